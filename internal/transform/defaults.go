package transform

import (
	"github.com/yourusername/metasqueeze/internal/artifact"
	"github.com/yourusername/metasqueeze/internal/config"
)

// Options は組み込み変換の設定です。
type Options struct {
	Image    ImageOptions
	Document DocumentOptions
}

// OptionsFromConfig は設定から Options を組み立てます。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Image: ImageOptions{
			MaxEdge:   cfg.ImageMaxEdge,
			Quality:   cfg.ImageQuality,
			CWebPPath: cfg.CWebPPath,
		},
		Document: DocumentOptions{
			LibreOfficePath: cfg.LibreOfficePath,
			PdfToTextPath:   cfg.PdfToTextPath,
		},
	}
}

// Builtin は組み込みの変換定義一覧を返します。
func Builtin(opts Options) []Transformation {
	return []Transformation{
		{Kind: artifact.KindPDFToWord, InputExts: []string{"pdf"}, OutputExt: "docx", Run: PDFToWord(opts.Document)},
		{Kind: artifact.KindWordToPDF, InputExts: []string{"docx"}, OutputExt: "pdf", Run: WordToPDF(opts.Document)},
		{Kind: artifact.KindPDFToText, InputExts: []string{"pdf"}, OutputExt: "txt", Run: PDFToText(opts.Document)},
		{Kind: artifact.KindWordToText, InputExts: []string{"docx"}, OutputExt: "txt", Run: WordToText()},
		imageTransformation(artifact.KindImageWebP, "webp", opts.Image),
		imageTransformation(artifact.KindImageJPEG, "jpeg", opts.Image),
		imageTransformation(artifact.KindImagePNG, "png", opts.Image),
	}
}

// Default は組み込み変換をすべて登録したレジストリを返します。
func Default(opts Options) (*Registry, error) {
	return NewRegistry(Builtin(opts)...)
}

func imageTransformation(kind artifact.Kind, ext string, opts ImageOptions) Transformation {
	return Transformation{
		Kind:      kind,
		InputExts: ImageInputExts,
		OutputExt: ext,
		Run:       OptimizeImage(kind.OutputFormat(), opts),
		Inspect:   InspectImage,
	}
}
