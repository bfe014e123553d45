package robot

import (
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"
	"github.com/pkg/errors"
)

// ModbusConfig locates the joint blocks in the controller's holding
// registers. Every joint value is an IEEE-754 float32 spread over two
// big-endian registers, high word first.
type ModbusConfig struct {
	Endpoint string        `yaml:"endpoint"`
	UnitID   uint8         `yaml:"unit_id"`
	Timeout  time.Duration `yaml:"timeout"`
	Joints   int           `yaml:"joints"`

	PositionAddress uint16 `yaml:"position_address"`
	// VelocityAddress and EffortAddress are optional blocks.
	VelocityAddress *uint16 `yaml:"velocity_address"`
	EffortAddress   *uint16 `yaml:"effort_address"`
}

// maxRegistersPerRead is the Modbus limit for function code 3.
const maxRegistersPerRead = 125

func (c ModbusConfig) validate() error {
	if c.Endpoint == "" {
		return errors.New("modbus: endpoint required")
	}
	if c.Joints <= 0 {
		return errors.New("modbus: joints must be positive")
	}
	if c.Joints*2 > maxRegistersPerRead {
		return errors.Errorf("modbus: %d joints exceed a single register read", c.Joints)
	}
	return nil
}

type registerReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

type dialFunc func(cfg ModbusConfig) (registerReader, io.Closer, error)

func dialTCP(cfg ModbusConfig) (registerReader, io.Closer, error) {
	h := modbus.NewTCPClientHandler(cfg.Endpoint)
	h.Timeout = cfg.Timeout
	h.SlaveId = cfg.UnitID
	if err := h.Connect(); err != nil {
		return nil, nil, err
	}
	return modbus.NewClient(h), h, nil
}

// ModbusSource reads joint state from a controller over Modbus TCP. A
// failed read drops the connection; the next snapshot dials again.
type ModbusSource struct {
	cfg   ModbusConfig
	names []string
	dial  dialFunc

	mu     sync.Mutex
	client registerReader
	conn   io.Closer
}

// NewModbusSource validates cfg. The controller is contacted on the first
// snapshot.
func NewModbusSource(robotName string, cfg ModbusConfig) (*ModbusSource, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &ModbusSource{
		cfg:   cfg,
		names: JointNames(robotName, cfg.Joints),
		dial:  dialTCP,
	}, nil
}

func (s *ModbusSource) Snapshot(frame string) (JointState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		client, conn, err := s.dial(s.cfg)
		if err != nil {
			return JointState{}, errors.Wrapf(err, "connecting to %s", s.cfg.Endpoint)
		}
		s.client, s.conn = client, conn
	}

	state := JointState{
		Names: append([]string(nil), s.names...),
		Frame: frame,
		Time:  time.Now(),
	}
	var err error
	if state.Position, err = s.readBlock(s.cfg.PositionAddress); err != nil {
		return JointState{}, s.fail(err, "position")
	}
	if s.cfg.VelocityAddress != nil {
		if state.Velocity, err = s.readBlock(*s.cfg.VelocityAddress); err != nil {
			return JointState{}, s.fail(err, "velocity")
		}
	}
	if s.cfg.EffortAddress != nil {
		if state.Effort, err = s.readBlock(*s.cfg.EffortAddress); err != nil {
			return JointState{}, s.fail(err, "effort")
		}
	}
	return state, nil
}

func (s *ModbusSource) readBlock(address uint16) ([]float64, error) {
	data, err := s.client.ReadHoldingRegisters(address, uint16(s.cfg.Joints*2))
	if err != nil {
		return nil, err
	}
	return decodeFloat32s(data, s.cfg.Joints)
}

// fail drops the connection after a read error. Callers hold s.mu.
func (s *ModbusSource) fail(err error, block string) error {
	s.closeLocked()
	return errors.Wrapf(err, "reading %s registers", block)
}

func (s *ModbusSource) closeLocked() error {
	var err error
	if s.conn != nil {
		err = s.conn.Close()
	}
	s.client, s.conn = nil, nil
	return err
}

// Close drops the controller connection, if any.
func (s *ModbusSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func decodeFloat32s(data []byte, n int) ([]float64, error) {
	if len(data) != n*4 {
		return nil, errors.Errorf("got %d bytes, want %d", len(data), n*4)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.BigEndian.Uint32(data[i*4:])))
	}
	return out, nil
}
