package transform

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxToolOutput = 512

// runTool は外部コマンドを実行し、失敗時は標準エラー出力を含めた EXTERNAL_TOOL_FAILURE を返します。
func runTool(ctx context.Context, path string, args ...string) error {
	cmd := exec.CommandContext(ctx, path, args...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(output.String())
		if len(detail) > maxToolOutput {
			detail = detail[:maxToolOutput]
		}
		msg := fmt.Sprintf("%s failed", toolName(path))
		if detail != "" {
			msg = fmt.Sprintf("%s: %s", msg, detail)
		}
		return newError(CodeExternalTool, msg, err)
	}
	return nil
}

func toolName(path string) string {
	if i := strings.LastIndexAny(path, `/\`); i >= 0 {
		return path[i+1:]
	}
	return path
}
