package detection

import (
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestNewLetterbox(t *testing.T) {
	lb := NewLetterbox(1280, 720, 768)

	assert.InDelta(t, 0.6, lb.Scale, 1e-9)
	assert.Equal(t, 768, lb.ContentWidth)
	assert.Equal(t, 432, lb.ContentHeight)
	assert.Equal(t, 0, lb.PadX)
	assert.Equal(t, 168, lb.PadY)
}

func TestLetterboxToFrame(t *testing.T) {
	lb := NewLetterbox(1280, 720, 768)

	t.Run("full content maps to full frame", func(t *testing.T) {
		box := lb.ToFrame(Candidate{X1: 0, Y1: 168, X2: 768, Y2: 600})
		assert.Equal(t, image.Rect(0, 0, 1280, 720), box)
	})

	t.Run("box in the padding is clamped", func(t *testing.T) {
		box := lb.ToFrame(Candidate{X1: -20, Y1: 0, X2: 60, Y2: 228})
		assert.Equal(t, image.Rect(0, 0, 100, 100), box)
	})
}

func TestDecodeOutput_ChannelsFirst(t *testing.T) {
	// [1, 4+2, 3]: rows are cx, cy, w, h, class0, class1
	data := []float32{
		10, 50, 90, // cx
		10, 50, 90, // cy
		4, 8, 2, // w
		4, 8, 2, // h
		0.9, 0.2, 0, // class 0
		0.1, 0.7, 0, // class 1
	}

	cands, err := DecodeOutput(data, []int{1, 6, 3}, 2, 0.0)
	require.NoError(t, err)
	require.Len(t, cands, 2)

	assert.Equal(t, 0, cands[0].ClassID)
	assert.InDelta(t, 0.9, cands[0].Score, 1e-6)
	assert.InDelta(t, 8.0, cands[0].X1, 1e-6)
	assert.InDelta(t, 12.0, cands[0].Y2, 1e-6)

	assert.Equal(t, 1, cands[1].ClassID)
	assert.InDelta(t, 0.7, cands[1].Score, 1e-6)
	assert.InDelta(t, 46.0, cands[1].X1, 1e-6)
}

func TestDecodeOutput_InfersClassCount(t *testing.T) {
	// 5 channels (one class) over 8 anchors, only anchor 3 scores
	data := make([]float32, 5*8)
	for i := 0; i < 8; i++ {
		data[i], data[8+i], data[16+i], data[24+i] = 100, 100, 20, 20
	}
	data[32+3] = 0.75

	cands, err := DecodeOutput(data, []int{1, 5, 8}, 0, 0.5)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 0, cands[0].ClassID)
	assert.InDelta(t, 90.0, cands[0].X1, 1e-6)
}

func TestDecodeOutput_RowsFirst(t *testing.T) {
	// [1, 2, 5+2]: cx, cy, w, h, objectness, class0, class1
	data := []float32{
		20, 20, 10, 10, 0.5, 0.2, 0.8,
		40, 40, 10, 10, 0.1, 0.9, 0.1,
	}

	cands, err := DecodeOutput(data, []int{1, 2, 7}, 2, 0.2)
	require.NoError(t, err)
	require.Len(t, cands, 1)
	assert.Equal(t, 1, cands[0].ClassID)
	assert.InDelta(t, 0.4, cands[0].Score, 1e-6)
	assert.InDelta(t, 15.0, cands[0].X1, 1e-6)
}

func TestDecodeOutput_BadShape(t *testing.T) {
	_, err := DecodeOutput(make([]float32, 12), []int{1, 3, 4}, 80, 0)
	assert.ErrorIs(t, err, ErrInference)

	_, err = DecodeOutput(make([]float32, 4), []int{1, 6, 3}, 2, 0)
	assert.ErrorIs(t, err, ErrInference)

	_, err = DecodeOutput(nil, []int{2, 2, 2, 2}, 0, 0)
	assert.ErrorIs(t, err, ErrInference)
}

func TestToDetections_DropsCollapsedBoxes(t *testing.T) {
	lb := NewLetterbox(640, 640, 640)
	dets := toDetections([]Candidate{
		{X1: 10, Y1: 10, X2: 50, Y2: 60, ClassID: 3, Score: 0.5},
		{X1: 700, Y1: 700, X2: 800, Y2: 800, ClassID: 1, Score: 0.9},
	}, lb)

	require.Len(t, dets, 1)
	assert.Equal(t, image.Rect(10, 10, 50, 60), dets[0].Box)
	assert.Equal(t, 3, dets[0].ClassID)
	assert.True(t, dets[0].Valid())
}

func TestValidateFrame(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	assert.ErrorIs(t, validateFrame(empty), ErrInference)

	gray := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC1)
	defer gray.Close()
	assert.ErrorIs(t, validateFrame(gray), ErrInference)

	bgr := gocv.NewMatWithSize(32, 32, gocv.MatTypeCV8UC3)
	defer bgr.Close()
	assert.NoError(t, validateFrame(bgr))
}

func TestOptionsValidate(t *testing.T) {
	assert.NoError(t, DefaultOptions().Validate())

	bad := DefaultOptions()
	bad.InferenceSize = 700
	assert.Error(t, bad.Validate())

	bad = DefaultOptions()
	bad.ConfidenceThreshold = 1.5
	assert.Error(t, bad.Validate())

	bad = DefaultOptions()
	bad.IoUThreshold = -0.1
	assert.Error(t, bad.Validate())
}

func TestLoadClassNames(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(path, []byte("swimmer\r\n boat \n\n"), 0o644))

	names, err := LoadClassNames(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"swimmer", "boat"}, names)

	assert.Equal(t, "boat", ClassName(names, 1))
	assert.Equal(t, "class7", ClassName(names, 7))

	_, err = LoadClassNames(filepath.Join(dir, "missing.txt"))
	assert.True(t, errors.Is(err, ErrModelLoad))
}
