// Package worker runs an external face detector as a child process and
// exposes it as a preprocess.Detector.
//
// Wire protocol, all integers big endian:
//
//	request:  [uint32 len][PNG bytes]
//	response: [uint32 len][payload]
//	payload:  [status:0][uint32 n][n x int32{x, y, w, h}]
//	          [status:1][uint32 len][message]
//
// Responses arrive on a side-channel pipe (FD 3) so the detector's stdout
// and stderr stay free for its own logging.
package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"sync"

	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/types"
	"github.com/andresmejia3/mobileface/internal/utils"
)

const (
	statusOK    = 0
	statusError = 1

	// maxResponse bounds a single response so a corrupt header can't
	// trigger a huge allocation.
	maxResponse = 16 << 20
)

// DetectorProcess is one running detector. It serialises requests.
type DetectorProcess struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser

	mu sync.Mutex
}

var _ preprocess.Detector = (*DetectorProcess)(nil)

// Start launches name with args and wires the request and response pipes.
func Start(id int, name string, args ...string) (*DetectorProcess, error) {
	sc := utils.NewSafeCommand(name, args...)

	// Side-channel pipe for responses; the child sees it as FD 3.
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	sc.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := sc.StdinPipe()
	if err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := sc.Start(); err != nil {
		w.Close()
		r.Close()
		return nil, fmt.Errorf("detector %d failed to start: %w", id, err)
	}

	// Only the child holds the write end now.
	w.Close()

	return &DetectorProcess{
		ID:       id,
		Cmd:      sc,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one framed request and reads one framed response.
func (p *DetectorProcess) Communicate(data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := binary.Write(p.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := p.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(p.DataPipe, header); err != nil {
		// A crashed detector shows up here as EOF.
		return nil, err
	}
	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponse {
		return nil, fmt.Errorf("detector response of %d bytes exceeds limit", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(p.DataPipe, respBody)
	return respBody, err
}

// Detect sends img to the detector and returns the raw boxes it reports.
func (p *DetectorProcess) Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode image for detector: %w", err)
	}
	resp, err := p.Communicate(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("detector %d: %w", p.ID, err)
	}
	return parseResponse(resp)
}

func parseResponse(resp []byte) ([]types.BoundingBox, error) {
	r := bytes.NewReader(resp)
	status, err := r.ReadByte()
	if err != nil {
		return nil, errors.New("empty detector response")
	}

	switch status {
	case statusOK:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read face count: %w", err)
		}
		if int(n)*16 > r.Len() {
			return nil, fmt.Errorf("detector reported %d faces in %d bytes", n, r.Len())
		}
		boxes := make([]types.BoundingBox, n)
		for i := range boxes {
			var b [4]int32
			if err := binary.Read(r, binary.BigEndian, &b); err != nil {
				return nil, fmt.Errorf("read box %d: %w", i, err)
			}
			boxes[i] = types.BoundingBox{X: int(b[0]), Y: int(b[1]), Width: int(b[2]), Height: int(b[3])}
		}
		return boxes, nil
	case statusError:
		var n uint32
		if err := binary.Read(r, binary.BigEndian, &n); err != nil {
			return nil, fmt.Errorf("read error length: %w", err)
		}
		msg := make([]byte, n)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("read error message: %w", err)
		}
		return nil, fmt.Errorf("detector error: %s", msg)
	default:
		return nil, fmt.Errorf("unknown detector status %d", status)
	}
}

// Close shuts the pipes and waits for the process to exit.
func (p *DetectorProcess) Close() error {
	p.Stdin.Close()
	p.DataPipe.Close()
	if p.Cmd == nil {
		return nil
	}
	return p.Cmd.Wait()
}

// Pool spreads detections over several detector processes. Each Detect
// checks one process out for the duration of the call.
type Pool struct {
	procs []*DetectorProcess
	idle  chan *DetectorProcess
}

var _ preprocess.Detector = (*Pool)(nil)

// NewPool starts n copies of the detector command line.
func NewPool(n int, commandLine string) (*Pool, error) {
	if n < 1 {
		return nil, types.ConfigurationError("start detectors", "", fmt.Errorf("need at least one detector, got %d", n))
	}
	name, args, err := utils.ParseCommandLine(commandLine)
	if err != nil {
		return nil, types.ConfigurationError("start detectors", "", err)
	}
	procs := make([]*DetectorProcess, 0, n)
	for i := 0; i < n; i++ {
		p, err := Start(i, name, args...)
		if err != nil {
			for _, started := range procs {
				started.Close()
			}
			return nil, err
		}
		procs = append(procs, p)
	}
	return newPool(procs), nil
}

func newPool(procs []*DetectorProcess) *Pool {
	idle := make(chan *DetectorProcess, len(procs))
	for _, p := range procs {
		idle <- p
	}
	return &Pool{procs: procs, idle: idle}
}

func (p *Pool) Detect(ctx context.Context, img image.Image) ([]types.BoundingBox, error) {
	var proc *DetectorProcess
	select {
	case proc = <-p.idle:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { p.idle <- proc }()
	return proc.Detect(ctx, img)
}

// Close stops every process and returns the first failure. Detector logs
// of a failing process are available through Logs.
func (p *Pool) Close() error {
	var first error
	for _, proc := range p.procs {
		if err := proc.Close(); err != nil && first == nil {
			first = fmt.Errorf("detector %d: %w", proc.ID, err)
		}
	}
	return first
}

// Logs returns the captured stderr of the first process that wrote any,
// for error reporting.
func (p *Pool) Logs() *utils.SafeCommand {
	for _, proc := range p.procs {
		if proc.Cmd != nil && proc.Cmd.Stderr.Len() > 0 {
			return proc.Cmd
		}
	}
	return nil
}
