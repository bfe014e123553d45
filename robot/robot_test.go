package robot

import (
	"encoding/binary"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJointNames(t *testing.T) {
	assert.Equal(t, []string{"iiwa_joint_1", "iiwa_joint_2", "iiwa_joint_3"}, JointNames("iiwa", 3))
	assert.Empty(t, JointNames("iiwa", 0))
}

func TestSimSource(t *testing.T) {
	source := NewSimSource("iiwa", 7)
	start := source.start
	source.now = func() time.Time { return start }

	state, err := source.Snapshot("tool")
	require.NoError(t, err)
	assert.Len(t, state.Names, 7)
	assert.Len(t, state.Position, 7)
	assert.Len(t, state.Velocity, 7)
	assert.Len(t, state.Effort, 7)
	assert.Equal(t, "tool", state.Frame)
	assert.InDelta(t, 0, state.Position[0], 1e-12)
	assert.InDelta(t, source.Amplitude*2*math.Pi*source.Frequency, state.Velocity[0], 1e-12)
	assert.Equal(t, 1, source.Snapshots())
}

type fakeRegisters struct {
	regs  map[uint16]float32
	fail  bool
	reads int
}

func (f *fakeRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.reads++
	if f.fail {
		return nil, errors.New("connection reset")
	}
	out := make([]byte, int(quantity)*2)
	for i := 0; i < int(quantity)/2; i++ {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(f.regs[address+uint16(i*2)]))
	}
	return out, nil
}

type closeCounter struct{ closed int }

func (c *closeCounter) Close() error {
	c.closed++
	return nil
}

func TestModbusSourceReadsBlocks(t *testing.T) {
	velocity := uint16(100)
	source, err := NewModbusSource("iiwa", ModbusConfig{
		Endpoint:        "controller:502",
		Joints:          2,
		PositionAddress: 0,
		VelocityAddress: &velocity,
	})
	require.NoError(t, err)

	regs := &fakeRegisters{regs: map[uint16]float32{0: 1.5, 2: -0.25, 100: 3, 102: 4}}
	closer := &closeCounter{}
	dials := 0
	source.dial = func(ModbusConfig) (registerReader, io.Closer, error) {
		dials++
		return regs, closer, nil
	}

	state, err := source.Snapshot("")
	require.NoError(t, err)
	assert.Equal(t, []string{"iiwa_joint_1", "iiwa_joint_2"}, state.Names)
	assert.Equal(t, []float64{1.5, -0.25}, state.Position)
	assert.Equal(t, []float64{3, 4}, state.Velocity)
	assert.Nil(t, state.Effort)

	_, err = source.Snapshot("")
	require.NoError(t, err)
	assert.Equal(t, 1, dials)
}

func TestModbusSourceReconnectsAfterFailure(t *testing.T) {
	source, err := NewModbusSource("iiwa", ModbusConfig{Endpoint: "controller:502", Joints: 7})
	require.NoError(t, err)

	regs := &fakeRegisters{regs: map[uint16]float32{}, fail: true}
	closer := &closeCounter{}
	dials := 0
	source.dial = func(ModbusConfig) (registerReader, io.Closer, error) {
		dials++
		return regs, closer, nil
	}

	_, err = source.Snapshot("")
	require.Error(t, err)
	assert.Equal(t, 1, closer.closed)

	regs.fail = false
	state, err := source.Snapshot("")
	require.NoError(t, err)
	assert.Len(t, state.Position, 7)
	assert.Equal(t, 2, dials)

	require.NoError(t, source.Close())
	assert.Equal(t, 2, closer.closed)
}

func TestModbusSourceDialError(t *testing.T) {
	source, err := NewModbusSource("iiwa", ModbusConfig{Endpoint: "controller:502", Joints: 7})
	require.NoError(t, err)
	source.dial = func(ModbusConfig) (registerReader, io.Closer, error) {
		return nil, nil, errors.New("refused")
	}
	_, err = source.Snapshot("")
	assert.ErrorContains(t, err, "refused")
}

func TestModbusConfigValidation(t *testing.T) {
	_, err := NewModbusSource("iiwa", ModbusConfig{Joints: 7})
	assert.Error(t, err)
	_, err = NewModbusSource("iiwa", ModbusConfig{Endpoint: "x:502"})
	assert.Error(t, err)
	_, err = NewModbusSource("iiwa", ModbusConfig{Endpoint: "x:502", Joints: 70})
	assert.Error(t, err)
}

func TestParseReplay(t *testing.T) {
	recording := `
# recorded on the bench
{"position": [0.1, 0.2], "effort": [1, 2]}
{"name": ["a", "b"], "position": [0.3, 0.4], "velocity": [0.5, 0.6]}
`
	source, err := ParseReplay("iiwa", strings.NewReader(recording))
	require.NoError(t, err)
	require.Equal(t, 2, source.Len())

	first, err := source.Snapshot("")
	require.NoError(t, err)
	assert.Equal(t, []string{"iiwa_joint_1", "iiwa_joint_2"}, first.Names)
	assert.Equal(t, []float64{0.1, 0.2}, first.Position)
	assert.Nil(t, first.Velocity)
	assert.Equal(t, []float64{1, 2}, first.Effort)

	second, _ := source.Snapshot("")
	assert.Equal(t, []string{"a", "b"}, second.Names)
	assert.Equal(t, []float64{0.5, 0.6}, second.Velocity)

	third, _ := source.Snapshot("")
	assert.Equal(t, first.Position, third.Position, "playback wraps around")

	// Snapshots do not share memory with the recording.
	third.Position[0] = 42
	fourth, _ := source.Snapshot("")
	fifth, _ := source.Snapshot("")
	assert.Equal(t, 0.3, fourth.Position[0])
	assert.Equal(t, 0.1, fifth.Position[0])
}

func TestParseReplayErrors(t *testing.T) {
	cases := map[string]string{
		"empty":            "",
		"missing position": `{"velocity": [1]}`,
		"not a number":     `{"position": ["x"]}`,
		"length mismatch":  `{"position": [1, 2], "effort": [1]}`,
		"name mismatch":    `{"name": ["a"], "position": [1, 2]}`,
		"joint count":      "{\"position\": [1]}\n{\"position\": [1, 2]}",
	}
	for name, recording := range cases {
		_, err := ParseReplay("iiwa", strings.NewReader(recording))
		assert.Error(t, err, name)
	}
}
