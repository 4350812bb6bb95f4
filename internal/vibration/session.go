package vibration

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

const csvHeader = "timestamp,elapsed_time,x_axis,y_axis,z_axis,magnitude,temperature,frequency\n"

// SensorConfigInfo records the sensor settings a session was captured with.
type SensorConfigInfo struct {
	Protocol       string  `json:"protocol"`
	Port           string  `json:"port"`
	BaudRate       int     `json:"baud_rate"`
	SlaveID        byte    `json:"slave_id"`
	SamplingRateHz float64 `json:"sampling_rate_hz"`
}

// SessionSummary is the JSON document written when a session ends.
type SessionSummary struct {
	SessionID       string           `json:"session_id"`
	StartTime       float64          `json:"start_time"`
	EndTime         float64          `json:"end_time"`
	DurationSeconds float64          `json:"duration_seconds"`
	Statistics      Analysis         `json:"statistics"`
	SensorConfig    SensorConfigInfo `json:"sensor_config"`
}

// SessionWriter streams readings into a per-session CSV and writes the
// summary JSON on finalize.
type SessionWriter struct {
	ID    string
	start time.Time

	csvPath     string
	summaryPath string
	sensorInfo  SensorConfigInfo

	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	rows   int64
	closed bool

	logger *zap.Logger
}

// NewSessionWriter opens <dir>/vibration_YYYYMMDD_HHMMSS.csv and writes
// the header row.
func NewSessionWriter(cfg config.VibrationConfig, now time.Time) (*SessionWriter, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	id := "vibration_" + now.Format("20060102_150405")
	csvPath := filepath.Join(cfg.OutputDir, id+".csv")

	file, err := os.Create(csvPath)
	if err != nil {
		return nil, fmt.Errorf("creating session log %s: %w", csvPath, err)
	}

	s := &SessionWriter{
		ID:          id,
		start:       now,
		csvPath:     csvPath,
		summaryPath: filepath.Join(cfg.OutputDir, id+"_summary.json"),
		sensorInfo: SensorConfigInfo{
			Protocol:       cfg.Protocol,
			Port:           cfg.Port,
			BaudRate:       cfg.BaudRate,
			SlaveID:        cfg.SlaveID,
			SamplingRateHz: cfg.SamplingRateHz,
		},
		file:   file,
		w:      bufio.NewWriter(file),
		logger: zap.L().Named("vibration-session"),
	}

	if _, err := s.w.WriteString(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("writing csv header: %w", err)
	}

	s.logger.Info("vibration session started", zap.String("session", id))
	return s, nil
}

// WriteReading appends one CSV row and flushes it to disk.
func (s *SessionWriter) WriteReading(r Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("session %s already finalized", s.ID)
	}

	elapsed := r.Timestamp.Sub(s.start).Seconds()
	_, err := fmt.Fprintf(s.w, "%.3f,%.3f,%.6f,%.6f,%.6f,%.6f,%s,%s\n",
		unixSeconds(r.Timestamp), elapsed,
		r.X, r.Y, r.Z, r.Magnitude,
		formatOptional(r.Temperature), formatOptional(r.Frequency))
	if err != nil {
		return fmt.Errorf("writing csv row: %w", err)
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("flushing csv row: %w", err)
	}
	s.rows++
	return nil
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'g', -1, 64)
}

// Finalize closes the CSV and writes the summary JSON. It returns the
// summary path.
func (s *SessionWriter) Finalize(analysis Analysis, end time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.summaryPath, nil
	}
	s.closed = true

	if err := s.w.Flush(); err != nil {
		s.file.Close()
		return "", fmt.Errorf("flushing session log: %w", err)
	}
	if err := s.file.Close(); err != nil {
		return "", fmt.Errorf("closing session log: %w", err)
	}

	summary := SessionSummary{
		SessionID:       s.ID,
		StartTime:       unixSeconds(s.start),
		EndTime:         unixSeconds(end),
		DurationSeconds: end.Sub(s.start).Seconds(),
		Statistics:      analysis,
		SensorConfig:    s.sensorInfo,
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding session summary: %w", err)
	}
	if err := os.WriteFile(s.summaryPath, data, 0o644); err != nil {
		return "", fmt.Errorf("writing session summary: %w", err)
	}

	s.logger.Info("session summary saved",
		zap.String("session", s.ID),
		zap.String("path", s.summaryPath),
		zap.Int64("rows", s.rows))
	return s.summaryPath, nil
}

// CSVPath returns the session log path.
func (s *SessionWriter) CSVPath() string { return s.csvPath }

// SummaryPath returns the summary JSON path.
func (s *SessionWriter) SummaryPath() string { return s.summaryPath }

// Rows returns the number of rows written so far.
func (s *SessionWriter) Rows() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}
