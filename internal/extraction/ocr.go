package extraction

import (
	"bytes"
	"context"
	"image/jpeg"
	"strings"

	"github.com/gen2brain/go-fitz"
)

// maxVisionPages caps how many rendered pages go to the vision model
// per document.
const maxVisionPages = 4

// OCRResult is the raw text pulled from a document plus an overall
// confidence in [0,1].
type OCRResult struct {
	Text       string
	Confidence float64
	Pages      int
}

// OCR is the text-recognition port.
type OCR interface {
	Recognize(ctx context.Context, data []byte, mimeType string) (OCRResult, error)
}

// VisionTranscriber turns one document image into text. A nil
// transcriber disables the vision fallback.
type VisionTranscriber interface {
	TranscribeImage(ctx context.Context, imageData []byte, mimeType string) (string, error)
}

// FitzOCR extracts document text. PDFs with a text layer are read
// directly via MuPDF; scanned PDFs and plain images (png/jpg) are
// transcribed through the vision model.
type FitzOCR struct {
	vision VisionTranscriber
}

// NewFitzOCR constructs the extractor.
func NewFitzOCR(vision VisionTranscriber) *FitzOCR {
	return &FitzOCR{vision: vision}
}

func (o *FitzOCR) Recognize(ctx context.Context, data []byte, mimeType string) (OCRResult, error) {
	if isImageMime(mimeType) {
		return o.recognizeImage(ctx, data, mimeType)
	}

	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return OCRResult{}, err
	}
	defer doc.Close()

	var sb strings.Builder
	pages := doc.NumPage()
	pagesWithText := 0
	for i := 0; i < pages; i++ {
		select {
		case <-ctx.Done():
			return OCRResult{}, ctx.Err()
		default:
		}
		text, err := doc.Text(i)
		if err != nil {
			continue
		}
		if strings.TrimSpace(text) != "" {
			pagesWithText++
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	// No text layer means a scanned document; render the pages and
	// transcribe them instead.
	if pagesWithText == 0 && o.vision != nil {
		return o.recognizeScanned(ctx, doc, pages)
	}

	result := OCRResult{Text: sb.String(), Pages: pages}
	if pages > 0 {
		result.Confidence = float64(pagesWithText) / float64(pages)
	}
	return result, nil
}

func (o *FitzOCR) recognizeImage(ctx context.Context, data []byte, mimeType string) (OCRResult, error) {
	if o.vision == nil {
		return OCRResult{Pages: 1}, nil
	}
	text, err := o.vision.TranscribeImage(ctx, data, mimeType)
	if err != nil {
		return OCRResult{}, err
	}
	result := OCRResult{Text: text, Pages: 1}
	if strings.TrimSpace(text) != "" {
		result.Confidence = visionConfidence
	}
	return result, nil
}

func (o *FitzOCR) recognizeScanned(ctx context.Context, doc *fitz.Document, pages int) (OCRResult, error) {
	limit := pages
	if limit > maxVisionPages {
		limit = maxVisionPages
	}
	var sb strings.Builder
	transcribed := 0
	for i := 0; i < limit; i++ {
		select {
		case <-ctx.Done():
			return OCRResult{}, ctx.Err()
		default:
		}
		img, err := doc.Image(i)
		if err != nil {
			continue
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, nil); err != nil {
			continue
		}
		text, err := o.vision.TranscribeImage(ctx, buf.Bytes(), "image/jpeg")
		if err != nil {
			return OCRResult{}, err
		}
		if strings.TrimSpace(text) != "" {
			transcribed++
		}
		sb.WriteString(text)
		sb.WriteString("\n")
	}

	result := OCRResult{Text: sb.String(), Pages: pages}
	if limit > 0 {
		result.Confidence = visionConfidence * float64(transcribed) / float64(limit)
	}
	return result, nil
}

// visionConfidence is the ceiling reported for model-transcribed text.
// Partial transcriptions scale it by the fraction of pages that
// produced text.
const visionConfidence = 0.9

func isImageMime(mimeType string) bool {
	switch {
	case strings.Contains(mimeType, "png"),
		strings.Contains(mimeType, "jpeg"),
		strings.Contains(mimeType, "jpg"):
		return true
	}
	return false
}
