package vibration

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/mikeyg42/kitchensentry/internal/config"
)

var (
	// ErrNotConnected is returned by Read when the port is not open.
	ErrNotConnected = errors.New("sensor not connected")

	// ErrBadFrame marks a garbled or truncated sensor response. Callers
	// skip the sample; it never aborts the sampling loop.
	ErrBadFrame = errors.New("bad sensor frame")
)

const (
	funcReadHolding = 0x03

	regAcceleration = 0x0000 // X, Y, Z as float32, 6 registers
	regTemperature  = 0x0006
	regFrequency    = 0x0008

	serialReadTimeout = time.Second
	responseSettle    = 50 * time.Millisecond
)

// Sensor reads vibration samples from a transport.
type Sensor interface {
	Open() error
	Read() (*Reading, error)
	Connected() bool
	Close() error
}

// NewSensor builds the sensor for the configured protocol.
func NewSensor(cfg config.VibrationConfig) (Sensor, error) {
	switch cfg.Protocol {
	case "modbus":
		return NewModbusSensor(cfg.Port, cfg.BaudRate, cfg.SlaveID), nil
	case "ascii":
		return NewASCIISensor(cfg.Port, cfg.BaudRate), nil
	case "simulated":
		return NewSimulatedSensor(time.Now().UnixNano()), nil
	default:
		return nil, fmt.Errorf("unknown vibration protocol %q", cfg.Protocol)
	}
}

// crc16 computes the Modbus CRC over data.
func crc16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc ^= uint16(b)
		for i := 0; i < 8; i++ {
			if crc&0x0001 != 0 {
				crc = (crc >> 1) ^ 0xA001
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}

// buildReadRequest frames a read-holding-registers request:
// [slave][0x03][addr hi][addr lo][count hi][count lo][crc lo][crc hi].
func buildReadRequest(slave byte, addr, count uint16) []byte {
	frame := []byte{
		slave, funcReadHolding,
		byte(addr >> 8), byte(addr),
		byte(count >> 8), byte(count),
	}
	crc := crc16(frame)
	return append(frame, byte(crc), byte(crc>>8))
}

// parseReadResponse validates a response frame and returns its data bytes.
func parseReadResponse(frame []byte, slave byte) ([]byte, error) {
	if len(frame) < 5 {
		return nil, fmt.Errorf("%w: short response (%d bytes)", ErrBadFrame, len(frame))
	}

	received := binary.LittleEndian.Uint16(frame[len(frame)-2:])
	if calculated := crc16(frame[:len(frame)-2]); received != calculated {
		return nil, fmt.Errorf("%w: crc mismatch (got %#04x, want %#04x)", ErrBadFrame, received, calculated)
	}

	if frame[0] != slave {
		return nil, fmt.Errorf("%w: slave %d answered for %d", ErrBadFrame, frame[0], slave)
	}
	if frame[1] == funcReadHolding|0x80 {
		return nil, fmt.Errorf("%w: exception code %#02x", ErrBadFrame, frame[2])
	}
	if frame[1] != funcReadHolding {
		return nil, fmt.Errorf("%w: unexpected function %#02x", ErrBadFrame, frame[1])
	}

	byteCount := int(frame[2])
	if len(frame) < 3+byteCount+2 {
		return nil, fmt.Errorf("%w: truncated data (%d of %d bytes)", ErrBadFrame, len(frame)-5, byteCount)
	}
	return frame[3 : 3+byteCount], nil
}

// ModbusSensor talks Modbus RTU to an industrial vibration sensor over an
// RS485 adapter.
type ModbusSensor struct {
	portName string
	baudRate int
	slaveID  byte

	mu     sync.Mutex
	port   serial.Port
	logger *zap.Logger
}

// NewModbusSensor prepares a sensor; the port opens on Open.
func NewModbusSensor(portName string, baudRate int, slaveID byte) *ModbusSensor {
	if baudRate <= 0 {
		baudRate = 9600
	}
	if slaveID == 0 {
		slaveID = 1
	}
	return &ModbusSensor{
		portName: portName,
		baudRate: baudRate,
		slaveID:  slaveID,
		logger:   zap.L().Named("rs485-sensor"),
	}
}

// Open connects the serial port at 8N1.
func (s *ModbusSensor) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.portName, mode)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("setting read timeout on %s: %w", s.portName, err)
	}

	s.port = port
	s.logger.Info("connected to RS485 sensor",
		zap.String("port", s.portName), zap.Int("baud", s.baudRate))
	return nil
}

// Connected reports whether the port is open.
func (s *ModbusSensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Close releases the serial port.
func (s *ModbusSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", s.portName, err)
	}
	return nil
}

// Read polls the acceleration registers and, best effort, temperature and
// frequency.
func (s *ModbusSensor) Read() (*Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, ErrNotConnected
	}

	data, err := s.readRegisters(regAcceleration, 6)
	if err != nil {
		return nil, err
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("%w: %d data bytes for acceleration", ErrBadFrame, len(data))
	}

	x := float64(math.Float32frombits(binary.BigEndian.Uint32(data[0:4])))
	y := float64(math.Float32frombits(binary.BigEndian.Uint32(data[4:8])))
	z := float64(math.Float32frombits(binary.BigEndian.Uint32(data[8:12])))

	reading := NewReading(time.Now(), x, y, z)

	if t, err := s.readFloat(regTemperature); err == nil {
		reading.Temperature = &t
	}
	if f, err := s.readFloat(regFrequency); err == nil {
		reading.Frequency = &f
	}
	return &reading, nil
}

// readFloat reads two registers as one big-endian float32.
func (s *ModbusSensor) readFloat(addr uint16) (float64, error) {
	data, err := s.readRegisters(addr, 2)
	if err != nil {
		return 0, err
	}
	if len(data) < 4 {
		return 0, fmt.Errorf("%w: %d data bytes for float register", ErrBadFrame, len(data))
	}
	return float64(math.Float32frombits(binary.BigEndian.Uint32(data[0:4]))), nil
}

// readRegisters runs one request/response exchange. Caller holds s.mu.
func (s *ModbusSensor) readRegisters(addr uint16, count int) ([]byte, error) {
	req := buildReadRequest(s.slaveID, addr, uint16(count))

	if err := s.port.ResetInputBuffer(); err != nil {
		return nil, fmt.Errorf("flushing input: %w", err)
	}
	if _, err := s.port.Write(req); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}
	time.Sleep(responseSettle)

	want := 5 + 2*count
	frame := make([]byte, 0, want)
	buf := make([]byte, want)
	for len(frame) < want {
		n, err := s.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading response: %w", err)
		}
		if n == 0 {
			// Read timeout; let the parser report the short frame.
			break
		}
		frame = append(frame, buf[:n]...)
	}

	return parseReadResponse(frame, s.slaveID)
}

// parseASCIILine parses "X:1.23,Y:0.45,Z:0.67" with optional T: and F:
// fields. Missing axes read as zero.
func parseASCIILine(line string, ts time.Time) (*Reading, error) {
	var x, y, z float64
	var temp, freq *float64

	for _, part := range strings.Split(line, ",") {
		key, value, found := strings.Cut(part, ":")
		if !found {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: field %q: %v", ErrBadFrame, part, err)
		}
		switch strings.TrimSpace(key) {
		case "X":
			x = v
		case "Y":
			y = v
		case "Z":
			z = v
		case "T":
			t := v
			temp = &t
		case "F":
			f := v
			freq = &f
		}
	}

	reading := NewReading(ts, x, y, z)
	reading.Temperature = temp
	reading.Frequency = freq
	return &reading, nil
}

// ASCIISensor reads newline-terminated key:value frames from sensors that
// speak the simple ASCII protocol.
type ASCIISensor struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	pending []byte
	logger  *zap.Logger
}

// NewASCIISensor prepares a sensor; the port opens on Open.
func NewASCIISensor(portName string, baudRate int) *ASCIISensor {
	if baudRate <= 0 {
		baudRate = 9600
	}
	return &ASCIISensor{
		portName: portName,
		baudRate: baudRate,
		logger:   zap.L().Named("rs485-ascii-sensor"),
	}
}

// Open connects the serial port.
func (s *ASCIISensor) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := serial.Open(s.portName, &serial.Mode{BaudRate: s.baudRate})
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.portName, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("setting read timeout on %s: %w", s.portName, err)
	}

	s.port = port
	s.pending = nil
	s.logger.Info("connected to ASCII RS485 sensor", zap.String("port", s.portName))
	return nil
}

// Connected reports whether the port is open.
func (s *ASCIISensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Close releases the serial port.
func (s *ASCIISensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	if err != nil {
		return fmt.Errorf("closing %s: %w", s.portName, err)
	}
	return nil
}

// Read assembles the next line from the port and parses it.
func (s *ASCIISensor) Read() (*Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.port == nil {
		return nil, ErrNotConnected
	}

	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(s.pending, '\n'); i >= 0 {
			line := strings.TrimSpace(string(s.pending[:i]))
			s.pending = append([]byte(nil), s.pending[i+1:]...)
			if line == "" {
				continue
			}
			return parseASCIILine(line, time.Now())
		}

		n, err := s.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("reading line: %w", err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: timed out waiting for frame", ErrBadFrame)
		}
		s.pending = append(s.pending, buf[:n]...)
	}
}

// SimulatedSensor produces plausible bench data when no hardware is wired.
type SimulatedSensor struct {
	mu   sync.Mutex
	rng  *rand.Rand
	open bool

	reads int64
}

// NewSimulatedSensor creates a simulator seeded for reproducible runs.
func NewSimulatedSensor(seed int64) *SimulatedSensor {
	return &SimulatedSensor{rng: rand.New(rand.NewSource(seed))}
}

func (s *SimulatedSensor) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *SimulatedSensor) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *SimulatedSensor) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

// Read returns baseline noise with an occasional bump.
func (s *SimulatedSensor) Read() (*Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.open {
		return nil, ErrNotConnected
	}
	s.reads++

	scale := 0.3
	if s.rng.Intn(200) == 0 {
		scale = 4.0
	}
	x := s.rng.NormFloat64() * scale
	y := s.rng.NormFloat64() * scale
	z := s.rng.NormFloat64() * scale

	reading := NewReading(time.Now(), x, y, z)
	t := 25.0 + s.rng.NormFloat64()*0.5
	f := 50.0 + s.rng.NormFloat64()*2.0
	reading.Temperature = &t
	reading.Frequency = &f
	return &reading, nil
}
