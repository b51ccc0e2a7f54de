package capability

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"

	"github.com/studyforge-ai/studyforge/internal/domain"
)

// FitzRasterizer implements Rasterizer using go-fitz (MuPDF).
type FitzRasterizer struct {
	quality int
}

// NewFitzRasterizer creates a rasterizer producing JPEGs at the given quality.
func NewFitzRasterizer(quality int) *FitzRasterizer {
	if quality < 1 || quality > 100 {
		quality = 85
	}
	return &FitzRasterizer{quality: quality}
}

// PageCount returns the number of pages in the document.
func (r *FitzRasterizer) PageCount(ctx context.Context, pdf []byte) (int, error) {
	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return 0, domain.FatalError("failed to open PDF", err)
	}
	defer doc.Close()

	count := doc.NumPage()
	if count == 0 {
		return 0, domain.FatalError("PDF has no pages", nil)
	}
	return count, nil
}

// Rasterize converts one page (0-based) to JPEG bytes.
func (r *FitzRasterizer) Rasterize(ctx context.Context, pdf []byte, pageIndex int) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, domain.TransientError("rasterize cancelled", ctx.Err())
	default:
	}

	doc, err := fitz.NewFromMemory(pdf)
	if err != nil {
		return nil, domain.FatalError("failed to open PDF", err)
	}
	defer doc.Close()

	if pageIndex < 0 || pageIndex >= doc.NumPage() {
		return nil, domain.PermanentError(fmt.Sprintf("page %d out of range", pageIndex+1), nil)
	}

	img, err := doc.Image(pageIndex)
	if err != nil {
		return nil, domain.PermanentError(fmt.Sprintf("failed to rasterize page %d", pageIndex+1), err)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, domain.PermanentError(fmt.Sprintf("failed to encode page %d", pageIndex+1), err)
	}

	return buf.Bytes(), nil
}
