package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type stubTranscriber struct {
	text  string
	err   error
	calls []string
}

func (s *stubTranscriber) TranscribeImage(_ context.Context, _ []byte, mimeType string) (string, error) {
	s.calls = append(s.calls, mimeType)
	if s.err != nil {
		return "", s.err
	}
	return s.text, nil
}

func TestRecognizeImageTranscribesThroughVision(t *testing.T) {
	vision := &stubTranscriber{text: "INVOICE INV-042\nAcme Corp\nTotal: 120.00"}
	ocr := NewFitzOCR(vision)

	for _, mime := range []string{"image/png", "image/jpeg", "image/jpg"} {
		res, err := ocr.Recognize(context.Background(), []byte{0xff, 0xd8, 0xff}, mime)
		require.NoError(t, err)
		require.Contains(t, res.Text, "INV-042")
		require.Equal(t, 1, res.Pages)
		require.Equal(t, visionConfidence, res.Confidence)
	}
	require.Equal(t, []string{"image/png", "image/jpeg", "image/jpg"}, vision.calls)
}

func TestRecognizeImageBlankTranscriptionScoresZero(t *testing.T) {
	ocr := NewFitzOCR(&stubTranscriber{text: "  \n"})

	res, err := ocr.Recognize(context.Background(), []byte{0x89, 0x50}, "image/png")
	require.NoError(t, err)
	require.Zero(t, res.Confidence)
	require.Equal(t, 1, res.Pages)
}

func TestRecognizeImageVisionErrorPropagates(t *testing.T) {
	ocr := NewFitzOCR(&stubTranscriber{err: errors.New("model unavailable")})

	_, err := ocr.Recognize(context.Background(), []byte{0x89, 0x50}, "image/png")
	require.Error(t, err)
}

func TestRecognizeImageWithoutVisionReturnsEmpty(t *testing.T) {
	ocr := NewFitzOCR(nil)

	res, err := ocr.Recognize(context.Background(), []byte{0x89, 0x50}, "image/png")
	require.NoError(t, err)
	require.Empty(t, res.Text)
	require.Zero(t, res.Confidence)
}
