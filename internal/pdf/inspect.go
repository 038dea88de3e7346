package pdf

import (
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// InspectResult は保存済みアップロードファイルの検査結果です。
type InspectResult struct {
	MIME  string `json:"mime"`
	Pages int    `json:"pages"`
}

// Inspect は保存済みファイルがPDFとして妥当かを検査し、ページ数を返します。
// コンテンツタイプは拡張子ではなく先頭バイトで判定します。
func Inspect(path string) (*InspectResult, error) {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	if !mtype.Is("application/pdf") {
		return nil, fmt.Errorf("not a PDF file (detected %s)", mtype.String())
	}

	pages, err := pdfapi.PageCountFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read PDF structure: %w", err)
	}
	if pages <= 0 {
		return nil, fmt.Errorf("PDF has no pages")
	}

	return &InspectResult{
		MIME:  mtype.String(),
		Pages: pages,
	}, nil
}
