package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/png"
	"testing"

	"github.com/andresmejia3/mobileface/internal/preprocess"
	"github.com/andresmejia3/mobileface/internal/types"
)

// MockCloser wraps a bytes.Buffer to satisfy io.ReadCloser and io.WriteCloser interfaces.
// This allows us to use in-memory buffers as if they were OS Pipes.
type MockCloser struct {
	*bytes.Buffer
}

func (m *MockCloser) Close() error { return nil }

func frame(payload []byte) *MockCloser {
	pipe := &MockCloser{Buffer: new(bytes.Buffer)}
	binary.Write(pipe, binary.BigEndian, uint32(len(payload)))
	pipe.Write(payload)
	return pipe
}

func okPayload(boxes ...[4]int32) []byte {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusOK)
	binary.Write(payload, binary.BigEndian, uint32(len(boxes)))
	for _, b := range boxes {
		binary.Write(payload, binary.BigEndian, b)
	}
	return payload.Bytes()
}

func testImage() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 100, 80))
}

func TestDetect(t *testing.T) {
	stdinMock := &MockCloser{Buffer: new(bytes.Buffer)}
	dataPipeMock := frame(okPayload([4]int32{10, 10, 40, 40}, [4]int32{60, 40, 60, 60}))

	// Cmd is nil: only the protocol is under test.
	p := &DetectorProcess{ID: 1, Stdin: stdinMock, DataPipe: dataPipeMock}

	boxes, err := p.Detect(context.Background(), testImage())
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(boxes) != 2 {
		t.Fatalf("Expected 2 boxes, got %d", len(boxes))
	}
	if boxes[1] != (types.BoundingBox{X: 60, Y: 40, Width: 60, Height: 60}) {
		t.Errorf("Unexpected second box: %+v", boxes[1])
	}

	// Verify the request: a length header followed by a decodable PNG.
	sent := stdinMock.Bytes()
	n := binary.BigEndian.Uint32(sent[:4])
	if int(n) != len(sent)-4 {
		t.Fatalf("Header says %d bytes, body has %d", n, len(sent)-4)
	}
	img, err := png.Decode(bytes.NewReader(sent[4:]))
	if err != nil {
		t.Fatalf("Request body is not a PNG: %v", err)
	}
	if img.Bounds().Dx() != 100 || img.Bounds().Dy() != 80 {
		t.Errorf("Unexpected image size %v", img.Bounds())
	}
}

func TestDetectFeedsDetectFaces(t *testing.T) {
	p := &DetectorProcess{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: frame(okPayload([4]int32{10, 10, 40, 40}, [4]int32{90, 70, 60, 60})),
	}
	faces, err := preprocess.DetectFaces(context.Background(), p, testImage(), 16)
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	// The second box clamps to 10x10 and is dropped.
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
}

func TestDetect_Error(t *testing.T) {
	payload := new(bytes.Buffer)
	payload.WriteByte(statusError)
	errMsg := "model weights not found"
	binary.Write(payload, binary.BigEndian, uint32(len(errMsg)))
	payload.WriteString(errMsg)

	p := &DetectorProcess{
		ID:       1,
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: frame(payload.Bytes()),
	}

	_, err := p.Detect(context.Background(), testImage())
	if err == nil {
		t.Fatal("Expected error, got nil")
	}
	if err.Error() != "detector error: "+errMsg {
		t.Errorf("Expected error message '%s', got '%v'", "detector error: "+errMsg, err)
	}
}

func TestParseResponseRejectsGarbage(t *testing.T) {
	tests := map[string][]byte{
		"empty":          {},
		"unknown status": {7},
		"truncated":      okPayload([4]int32{1, 2, 3, 4})[:10],
		"count too big":  {statusOK, 0, 0, 1, 0},
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := parseResponse(payload); err == nil {
				t.Errorf("Expected an error")
			}
		})
	}
}

func TestDetectorCrash(t *testing.T) {
	// The detector died before answering: the data pipe is empty.
	p := &DetectorProcess{
		Stdin:    &MockCloser{Buffer: new(bytes.Buffer)},
		DataPipe: &MockCloser{Buffer: new(bytes.Buffer)},
	}
	if _, err := p.Detect(context.Background(), testImage()); err == nil {
		t.Fatal("Expected EOF error")
	}
}

func TestPool(t *testing.T) {
	procs := []*DetectorProcess{
		{ID: 0, Stdin: &MockCloser{Buffer: new(bytes.Buffer)}, DataPipe: frame(okPayload([4]int32{0, 0, 50, 50}))},
	}
	pool := newPool(procs)

	boxes, err := pool.Detect(context.Background(), testImage())
	if err != nil || len(boxes) != 1 {
		t.Fatalf("Pool.Detect = %v, %v", boxes, err)
	}

	// The single process is returned to the pool after use.
	if len(pool.idle) != 1 {
		t.Fatalf("Expected the process back in the pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	<-pool.idle
	if _, err := pool.Detect(ctx, testImage()); err != context.Canceled {
		t.Errorf("Expected context.Canceled while no process is idle, got %v", err)
	}

	if err := pool.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if pool.Logs() != nil {
		t.Errorf("Expected no logs without processes")
	}
}

func TestNewPoolValidates(t *testing.T) {
	if _, err := NewPool(0, "detector"); !types.IsConfiguration(err) {
		t.Errorf("Expected configuration error for zero detectors, got %v", err)
	}
	if _, err := NewPool(1, "  "); !types.IsConfiguration(err) {
		t.Errorf("Expected configuration error for an empty command, got %v", err)
	}
}
