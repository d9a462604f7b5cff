package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLanguage(t *testing.T) {
	t.Parallel()

	l, ok := ParseLanguage("transcription:en-US")
	require.True(t, ok)
	assert.Equal(t, Language{Base: TranscriptionBase, Source: "en-US"}, l)
	assert.Equal(t, "transcription:en-US", l.String())

	l, ok = ParseLanguage("translation:es-ES-to-en-US")
	require.True(t, ok)
	assert.Equal(t, "es-ES", l.Source)
	assert.Equal(t, "en-US", l.Target)
	assert.Equal(t, "translation:es-ES-to-en-US", l.String())
}

func TestParseLanguageRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, in := range []Type{
		"transcription:EN-us",
		"transcription:english",
		"translation:es-ES",
		"translation:es-ES-to-",
		"head_position:en-US",
		"transcription",
	} {
		_, ok := ParseLanguage(in)
		assert.False(t, ok, in)
	}
}

func TestValid(t *testing.T) {
	t.Parallel()

	assert.True(t, Valid(ButtonPress))
	assert.True(t, Valid(Wildcard))
	assert.True(t, Valid(Translation("fr-FR", "de-DE")))
	assert.False(t, Valid("nonsense"))
	assert.False(t, Valid("transcription:xx"))
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Type("transcription:en-US"), Normalize(TranscriptionBase))
	assert.Equal(t, HeadPosition, Normalize(HeadPosition))
}

func TestIsMedia(t *testing.T) {
	t.Parallel()

	assert.True(t, IsMedia(AudioChunk))
	assert.True(t, IsMedia(Transcription("ja-JP")))
	assert.True(t, IsMedia(Translation("es-ES", "en-US")))
	assert.False(t, IsMedia(ButtonPress))
	assert.False(t, IsMedia(All))
}
