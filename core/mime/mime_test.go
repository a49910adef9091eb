package mime

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTypeByExtension(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{"html", "text/html"},
		{".JSON", "application/json"},
		{"mp4", "video/mp4"},
		{"", DefaultType},
		{"definitely-not-registered", DefaultType},
	}

	for _, tt := range tests {
		require.Equal(t, tt.want, TypeByExtension(tt.ext), tt.ext)
	}
}

func TestTypeByPath(t *testing.T) {
	require.Equal(t, "audio/mpeg", TypeByPath("music/Song.MP3"))
	require.Equal(t, DefaultType, TypeByPath("README"))
}

func TestIsMedia(t *testing.T) {
	require.True(t, IsMedia("video/webm"))
	require.True(t, IsMedia("audio/ogg"))
	require.False(t, IsMedia("image/png"))
}
