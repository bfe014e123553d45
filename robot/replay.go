package robot

import (
	"bufio"
	"bytes"
	"io"
	"os"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	"github.com/pkg/errors"
)

type recordedState struct {
	names    []string
	position []float64
	velocity []float64
	effort   []float64
}

// ReplaySource plays back joint states recorded as JSON lines, one object
// per line:
//
//	{"name": ["j1", "j2"], "position": [0.1, 0.2], "velocity": [0, 0], "effort": [1.5, 2]}
//
// "name", "velocity" and "effort" are optional. Playback wraps around at the
// end of the recording.
type ReplaySource struct {
	states []recordedState

	mu   sync.Mutex
	next int
}

// LoadReplay reads a recording from path.
func LoadReplay(robotName, path string) (*ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	source, err := ParseReplay(robotName, f)
	if err != nil {
		return nil, errors.Wrapf(err, "replay %s", path)
	}
	return source, nil
}

// ParseReplay reads a recording from r. Lines without a "name" array get
// JointNames(robotName, n).
func ParseReplay(robotName string, r io.Reader) (*ReplaySource, error) {
	source := &ReplaySource{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		state, err := parseRecordedState(robotName, line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineNo)
		}
		if n := len(source.states); n > 0 && len(source.states[n-1].position) != len(state.position) {
			return nil, errors.Errorf("line %d: joint count changed from %d to %d",
				lineNo, len(source.states[n-1].position), len(state.position))
		}
		source.states = append(source.states, state)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(source.states) == 0 {
		return nil, errors.New("recording is empty")
	}
	return source, nil
}

func parseRecordedState(robotName string, line []byte) (recordedState, error) {
	var state recordedState
	var err error
	if state.position, err = floatArray(line, "position"); err != nil {
		return state, err
	}
	if state.position == nil {
		return state, errors.New("missing position array")
	}
	if state.velocity, err = floatArray(line, "velocity"); err != nil {
		return state, err
	}
	if state.effort, err = floatArray(line, "effort"); err != nil {
		return state, err
	}
	for _, xs := range [][]float64{state.velocity, state.effort} {
		if len(xs) != 0 && len(xs) != len(state.position) {
			return state, errors.Errorf("array of %d values for %d joints", len(xs), len(state.position))
		}
	}

	_, err = jsonparser.ArrayEach(line, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if dataType == jsonparser.String {
			if s, perr := jsonparser.ParseString(value); perr == nil {
				state.names = append(state.names, s)
			}
		}
	}, "name")
	switch {
	case err == jsonparser.KeyPathNotFoundError:
		state.names = JointNames(robotName, len(state.position))
	case err != nil:
		return state, errors.Wrap(err, "name")
	case len(state.names) != len(state.position):
		return state, errors.Errorf("%d names for %d joints", len(state.names), len(state.position))
	}
	return state, nil
}

// floatArray returns nil when key is absent.
func floatArray(data []byte, key string) ([]float64, error) {
	xs := []float64{}
	var parseErr error
	_, err := jsonparser.ArrayEach(data, func(value []byte, dataType jsonparser.ValueType, _ int, _ error) {
		if parseErr != nil {
			return
		}
		if dataType != jsonparser.Number {
			parseErr = errors.Errorf("%s: %q is not a number", key, value)
			return
		}
		f, err := jsonparser.ParseFloat(value)
		if err != nil {
			parseErr = errors.Wrap(err, key)
			return
		}
		xs = append(xs, f)
	}, key)
	if err == jsonparser.KeyPathNotFoundError {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, key)
	}
	return xs, parseErr
}

// Len is the number of recorded states.
func (s *ReplaySource) Len() int {
	return len(s.states)
}

func (s *ReplaySource) Snapshot(frame string) (JointState, error) {
	s.mu.Lock()
	state := s.states[s.next]
	s.next = (s.next + 1) % len(s.states)
	s.mu.Unlock()

	return JointState{
		Names:    append([]string(nil), state.names...),
		Position: clone(state.position),
		Velocity: clone(state.velocity),
		Effort:   clone(state.effort),
		Frame:    frame,
		Time:     time.Now(),
	}, nil
}
