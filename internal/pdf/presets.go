package pdf

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Preset は品質プリセット1件の定義です。IDは外部にとっては不透明な識別子で、
// ここでGhostscriptの引数セットに解決されます。
type Preset struct {
	ID                  string
	Name                string
	Description         string
	Args                []string // Ghostscriptへ渡すプリセット固有の引数
	ExpectedCompression float64  // 圧縮後サイズ/元サイズ の目安
	SecondsPerMB        float64  // 処理時間見積り用の係数
}

// presets は利用可能なプリセットの一覧です。
// 旧来の high/medium/low と、削減率ベースの 20〜70 をサポートします。
var presets = map[string]Preset{
	"high": {
		ID:          "high",
		Name:        "High Quality",
		Description: "Minimal compression, best quality",
		Args: []string{
			"-dPDFSETTINGS=/printer",
			"-dColorImageResolution=300",
			"-dGrayImageResolution=300",
			"-dMonoImageResolution=1200",
		},
		ExpectedCompression: 0.7,
		SecondsPerMB:        10,
	},
	"medium": {
		ID:          "medium",
		Name:        "Medium Quality",
		Description: "Balanced compression and quality",
		Args: []string{
			"-dPDFSETTINGS=/ebook",
			"-dColorImageResolution=150",
			"-dGrayImageResolution=150",
			"-dMonoImageResolution=600",
		},
		ExpectedCompression: 0.4,
		SecondsPerMB:        6,
	},
	"low": {
		ID:          "low",
		Name:        "Low Quality",
		Description: "Maximum compression, smallest size",
		Args: []string{
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=72",
			"-dGrayImageResolution=72",
			"-dMonoImageResolution=300",
		},
		ExpectedCompression: 0.2,
		SecondsPerMB:        3,
	},
	"20": {
		ID:          "20",
		Name:        "20% Reduction (Minimal)",
		Description: "Minimal compression, excellent quality",
		Args: []string{
			"-dPDFSETTINGS=/printer",
			"-dColorImageResolution=300",
			"-dGrayImageResolution=300",
			"-dMonoImageResolution=1200",
		},
		ExpectedCompression: 0.8,
		SecondsPerMB:        10,
	},
	"30": {
		ID:          "30",
		Name:        "30% Reduction",
		Description: "Light compression, very good quality",
		Args: []string{
			"-dPDFSETTINGS=/printer",
			"-dColorImageResolution=250",
			"-dGrayImageResolution=250",
			"-dMonoImageResolution=1000",
		},
		ExpectedCompression: 0.7,
		SecondsPerMB:        9,
	},
	"40": {
		ID:          "40",
		Name:        "40% Reduction",
		Description: "Moderate compression, good quality",
		Args: []string{
			"-dPDFSETTINGS=/ebook",
			"-dColorImageResolution=200",
			"-dGrayImageResolution=200",
			"-dMonoImageResolution=800",
		},
		ExpectedCompression: 0.6,
		SecondsPerMB:        7,
	},
	"50": {
		ID:          "50",
		Name:        "50% Reduction (Balanced)",
		Description: "Balanced compression and quality",
		Args: []string{
			"-dPDFSETTINGS=/ebook",
			"-dColorImageResolution=150",
			"-dGrayImageResolution=150",
			"-dMonoImageResolution=600",
		},
		ExpectedCompression: 0.5,
		SecondsPerMB:        6,
	},
	"60": {
		ID:          "60",
		Name:        "60% Reduction",
		Description: "Strong compression, fair quality",
		Args: []string{
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=120",
			"-dGrayImageResolution=120",
			"-dMonoImageResolution=400",
		},
		ExpectedCompression: 0.4,
		SecondsPerMB:        4,
	},
	"70": {
		ID:          "70",
		Name:        "70% Reduction (Maximum)",
		Description: "Maximum compression, basic quality",
		Args: []string{
			"-dPDFSETTINGS=/screen",
			"-dColorImageResolution=96",
			"-dGrayImageResolution=96",
			"-dMonoImageResolution=300",
		},
		ExpectedCompression: 0.3,
		SecondsPerMB:        3,
	},
}

// NormalizePreset はプリセットIDを検証して正規化します。空のときは medium を使います。
func NormalizePreset(id string) (Preset, error) {
	id = strings.ToLower(strings.TrimSpace(id))
	if id == "" {
		id = "medium"
	}
	preset, ok := presets[id]
	if !ok {
		return Preset{}, fmt.Errorf("unknown quality preset: %q", id)
	}
	return preset, nil
}

// PresetInfo はAPIレスポンス用のプリセット情報です。
type PresetInfo struct {
	ID                       string  `json:"id"`
	Name                     string  `json:"name"`
	Description              string  `json:"description"`
	ExpectedCompression      float64 `json:"expected_compression"`
	ExpectedReductionPercent int     `json:"expected_reduction_percent"`
}

// AvailablePresets は全プリセットの情報をID順で返します。
func AvailablePresets() []PresetInfo {
	infos := make([]PresetInfo, 0, len(presets))
	for _, p := range presets {
		infos = append(infos, PresetInfo{
			ID:                       p.ID,
			Name:                     p.Name,
			Description:              p.Description,
			ExpectedCompression:      p.ExpectedCompression,
			ExpectedReductionPercent: int((1 - p.ExpectedCompression) * 100),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// 見積り時間の下限と上限。実際のタイムアウトとは独立で、UI表示専用です。
const (
	minEstimate = 30 * time.Second
	maxEstimate = 300 * time.Second
)

// EstimateDuration はファイルサイズとプリセットから処理時間を見積もります。
// プリセットごとの秒/MB係数で計算し、[30s, 300s] にクランプします。
func EstimateDuration(fileSize int64, presetID string) time.Duration {
	secondsPerMB := 6.0
	if preset, err := NormalizePreset(presetID); err == nil {
		secondsPerMB = preset.SecondsPerMB
	}

	sizeMB := float64(fileSize) / (1024 * 1024)
	estimated := time.Duration(sizeMB*secondsPerMB) * time.Second
	if estimated < minEstimate {
		return minEstimate
	}
	if estimated > maxEstimate {
		return maxEstimate
	}
	return estimated
}
