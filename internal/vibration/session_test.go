package vibration

import (
	"encoding/csv"
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

func TestSessionCSVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2026, 3, 14, 9, 30, 0, 0, time.Local)

	cfg := config.VibrationConfig{
		Protocol:       "modbus",
		Port:           "/dev/ttyUSB0",
		BaudRate:       9600,
		SlaveID:        1,
		SamplingRateHz: 10,
		OutputDir:      dir,
	}

	sw, err := NewSessionWriter(cfg, start)
	if err != nil {
		t.Fatalf("Failed to create session writer: %v", err)
	}
	if !strings.HasPrefix(sw.ID, "vibration_") {
		t.Fatalf("Session id = %q, want vibration_ prefix", sw.ID)
	}

	temp := 24.5
	readings := []Reading{
		NewReading(start.Add(100*time.Millisecond), 0.123456, -0.654321, 0.5),
		NewReading(start.Add(200*time.Millisecond), 1.5, 2.5, -3.5),
	}
	readings[0].Temperature = &temp

	for _, r := range readings {
		if err := sw.WriteReading(r); err != nil {
			t.Fatalf("Failed to write reading: %v", err)
		}
	}

	summaryPath, err := sw.Finalize(Analysis{Trend: "insufficient_data"}, start.Add(time.Second))
	if err != nil {
		t.Fatalf("Failed to finalize session: %v", err)
	}

	// Verify CSV content
	raw, err := os.ReadFile(sw.CSVPath())
	if err != nil {
		t.Fatalf("Failed to read session log: %v", err)
	}
	lines := strings.SplitN(string(raw), "\n", 2)
	if lines[0] != "timestamp,elapsed_time,x_axis,y_axis,z_axis,magnitude,temperature,frequency" {
		t.Fatalf("CSV header = %q", lines[0])
	}

	records, err := csv.NewReader(strings.NewReader(string(raw))).ReadAll()
	if err != nil {
		t.Fatalf("Failed to parse CSV: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("Expected header plus 2 rows, got %d records", len(records))
	}

	for i, r := range readings {
		row := records[i+1]

		elapsed, _ := strconv.ParseFloat(row[1], 64)
		wantElapsed := r.Timestamp.Sub(start).Seconds()
		if math.Abs(elapsed-wantElapsed) > 1e-3 {
			t.Errorf("Row %d elapsed = %v, want %v", i, elapsed, wantElapsed)
		}

		for col, want := range map[int]float64{2: r.X, 3: r.Y, 4: r.Z, 5: r.Magnitude} {
			got, err := strconv.ParseFloat(row[col], 64)
			if err != nil {
				t.Fatalf("Row %d col %d unparseable: %v", i, col, err)
			}
			if math.Abs(got-want) > 1e-6 {
				t.Errorf("Row %d col %d = %v, want %v within 1e-6", i, col, got, want)
			}
		}
	}

	// First row carries the temperature, second leaves both optionals empty
	if got, _ := strconv.ParseFloat(records[1][6], 64); got != temp {
		t.Errorf("Temperature column = %q, want %v", records[1][6], temp)
	}
	if records[1][7] != "" {
		t.Errorf("Frequency column = %q, want empty", records[1][7])
	}
	if records[2][6] != "" || records[2][7] != "" {
		t.Errorf("Optional columns = %q, %q, want empty", records[2][6], records[2][7])
	}

	// Verify summary JSON shape
	sumRaw, err := os.ReadFile(summaryPath)
	if err != nil {
		t.Fatalf("Failed to read summary: %v", err)
	}
	var summary map[string]any
	if err := json.Unmarshal(sumRaw, &summary); err != nil {
		t.Fatalf("Failed to parse summary: %v", err)
	}
	for _, key := range []string{"session_id", "start_time", "end_time", "duration_seconds", "statistics", "sensor_config"} {
		if _, ok := summary[key]; !ok {
			t.Errorf("Summary missing key %q", key)
		}
	}
	if got := summary["session_id"]; got != sw.ID {
		t.Errorf("Summary session_id = %v, want %v", got, sw.ID)
	}
	if got := summary["duration_seconds"].(float64); math.Abs(got-1.0) > 1e-9 {
		t.Errorf("Summary duration = %v, want 1.0", got)
	}

	sensorCfg, ok := summary["sensor_config"].(map[string]any)
	if !ok {
		t.Fatal("sensor_config is not an object")
	}
	if sensorCfg["protocol"] != "modbus" {
		t.Errorf("sensor_config.protocol = %v, want modbus", sensorCfg["protocol"])
	}
}

func TestSessionWriteAfterFinalize(t *testing.T) {
	cfg := config.VibrationConfig{OutputDir: t.TempDir()}
	start := time.Now()

	sw, err := NewSessionWriter(cfg, start)
	if err != nil {
		t.Fatalf("Failed to create session writer: %v", err)
	}
	if _, err := sw.Finalize(Analysis{}, start.Add(time.Second)); err != nil {
		t.Fatalf("Failed to finalize: %v", err)
	}

	if err := sw.WriteReading(NewReading(time.Now(), 1, 0, 0)); err == nil {
		t.Fatal("Expected error writing to finalized session")
	}

	// Second finalize is a no-op
	if _, err := sw.Finalize(Analysis{}, start.Add(2*time.Second)); err != nil {
		t.Fatalf("Repeated finalize should not error: %v", err)
	}
}
