package video

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestHourDir(t *testing.T) {
	tests := []struct {
		hour int
		want string
	}{
		{0, "2025-01-01_12AM"},
		{3, "2025-01-01_03AM"},
		{12, "2025-01-01_12PM"},
		{15, "2025-01-01_03PM"},
	}
	for _, tt := range tests {
		got := hourDir(time.Date(2025, 1, 1, tt.hour, 30, 0, 0, time.UTC))
		assert.Equal(t, tt.want, got)
	}
}

func TestJPEGSinkSavesEveryNth(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenJPEGSink(dir, 2, 1)
	require.NoError(t, err)
	fixed := time.Date(2025, 6, 1, 15, 4, 5, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	for i := 0; i < 5; i++ {
		mat := gocv.NewMatWithSize(24, 32, gocv.MatTypeCV8UC3)
		require.NoError(t, s.Write(&Frame{Index: i, Mat: mat}))
		mat.Close()
	}
	require.NoError(t, s.Close())
	assert.Equal(t, 3, s.Saved())

	entries, err := os.ReadDir(filepath.Join(dir, "2025-06-01_03PM"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{
		"000000_20250601_150405.000.jpg",
		"000002_20250601_150405.000.jpg",
		"000004_20250601_150405.000.jpg",
	}, names)

	assert.NoError(t, s.Close())
	assert.ErrorIs(t, s.Write(&Frame{Index: 6}), ErrEncode)
}

func TestOpenJPEGSinkEmptyDir(t *testing.T) {
	_, err := OpenJPEGSink("", 1, 1)
	assert.ErrorIs(t, err, ErrResource)
}
