package transform

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"
)

// DocumentOptions はドキュメント変換で使う外部ツールの設定です。
type DocumentOptions struct {
	LibreOfficePath string
	PdfToTextPath   string
}

func (o DocumentOptions) withDefaults() DocumentOptions {
	if o.LibreOfficePath == "" {
		o.LibreOfficePath = "libreoffice"
	}
	if o.PdfToTextPath == "" {
		o.PdfToTextPath = "pdftotext"
	}
	return o
}

// PDFToWord は LibreOffice の PDF インポートフィルタで DOCX を生成します。
func PDFToWord(opts DocumentOptions) Func {
	opts = opts.withDefaults()
	return func(ctx context.Context, inputPath, outputPath string) error {
		if err := requireExt(inputPath, "pdf"); err != nil {
			return err
		}
		if err := validatePDF(inputPath); err != nil {
			return err
		}
		return convertWithLibreOffice(ctx, opts.LibreOfficePath, inputPath, outputPath, "docx:MS Word 2007 XML", "--infilter=writer_pdf_import")
	}
}

// WordToPDF は LibreOffice のヘッドレスモードで PDF を生成します。
func WordToPDF(opts DocumentOptions) Func {
	opts = opts.withDefaults()
	return func(ctx context.Context, inputPath, outputPath string) error {
		if err := requireExt(inputPath, "docx"); err != nil {
			return err
		}
		return convertWithLibreOffice(ctx, opts.LibreOfficePath, inputPath, outputPath, "pdf")
	}
}

// PDFToText は pdftotext で UTF-8 のテキストを抽出します。
func PDFToText(opts DocumentOptions) Func {
	opts = opts.withDefaults()
	return func(ctx context.Context, inputPath, outputPath string) error {
		if err := requireExt(inputPath, "pdf"); err != nil {
			return err
		}
		if err := validatePDF(inputPath); err != nil {
			return err
		}
		return runTool(ctx, opts.PdfToTextPath, "-enc", "UTF-8", "-layout", inputPath, outputPath)
	}
}

// WordToText は DOCX 本文のテキストを書き出します。外部ツールは使いません。
func WordToText() Func {
	return func(ctx context.Context, inputPath, outputPath string) error {
		if err := requireExt(inputPath, "docx"); err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		text, err := ExtractDocxText(inputPath)
		if err != nil {
			return newError(CodeValidation, "Cannot read Word document", err)
		}
		return os.WriteFile(outputPath, []byte(text), 0o640)
	}
}

func requireExt(path, ext string) error {
	if strings.EqualFold(strings.TrimPrefix(filepath.Ext(path), "."), ext) {
		return nil
	}
	return newError(CodeValidation, fmt.Sprintf("Invalid input file format. Expected: %s.", ext), nil)
}

func validatePDF(path string) error {
	if err := pdfapi.ValidateFile(path, nil); err != nil {
		return newError(CodeValidation, "PDF could not be read. Check that the file is not corrupted.", err)
	}
	return nil
}

// convertWithLibreOffice は LibreOffice で変換し、生成物を outputPath に移動します。
// LibreOffice は <入力ファイル名>.<拡張子> で outdir に書き出すため、ジョブごとの
// サブディレクトリに出力させてから移動します。ユーザープロファイルも同じ場所に置き、
// 同時実行時のプロファイルロック競合を避けます。
func convertWithLibreOffice(ctx context.Context, binary, inputPath, outputPath, target string, extra ...string) error {
	outDir, err := os.MkdirTemp(filepath.Dir(outputPath), ".lo-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(outDir)

	profile := "file://" + filepath.ToSlash(filepath.Join(outDir, "profile"))
	args := append([]string{
		"--headless",
		"--norestore",
		"-env:UserInstallation=" + profile,
	}, extra...)
	args = append(args, "--convert-to", target, "--outdir", outDir, inputPath)

	if err := runTool(ctx, binary, args...); err != nil {
		return err
	}

	ext := target
	if i := strings.IndexByte(ext, ':'); i >= 0 {
		ext = ext[:i]
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	generated := filepath.Join(outDir, stem+"."+ext)
	if _, err := os.Stat(generated); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newError(CodeExternalTool, fmt.Sprintf("LibreOffice did not create the expected %s file.", strings.ToUpper(ext)), nil)
		}
		return err
	}
	return os.Rename(generated, outputPath)
}
