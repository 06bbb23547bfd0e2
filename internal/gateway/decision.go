package gateway

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/metasqueeze/internal/artifact"
)

// decision はダウンロード要求への応答内容です。stream が true のときだけ変換結果を返します。
type decision struct {
	status int
	body   gin.H
	stream bool
}

type wording struct {
	notFound   string
	inProgress string
}

var familyWording = map[artifact.Family]wording{
	artifact.FamilyImage: {
		notFound:   "Image not found.",
		inProgress: "Image optimization is still in progress.",
	},
	artifact.FamilyDocument: {
		notFound:   "Document not found.",
		inProgress: "Document conversion is still in progress.",
	},
}

// downloadDecision はアーティファクトの状態から応答を決めます。
// a が nil、または別の大分類のものは見つからない扱いです。
func downloadDecision(a *artifact.Artifact, family artifact.Family) decision {
	w := familyWording[family]
	if a == nil || a.Kind.Family() != family {
		return decision{status: http.StatusNotFound, body: gin.H{"error": w.notFound}}
	}
	switch {
	case a.Status == artifact.StatusFailed:
		msg := a.ErrorMessage
		if msg == "" {
			msg = "Conversion failed."
		}
		return decision{status: http.StatusBadRequest, body: gin.H{"status": "failed", "message": msg}}
	case a.Status != artifact.StatusCompleted || a.OutputRef == "":
		return decision{status: http.StatusAccepted, body: gin.H{"status": "pending", "message": w.inProgress}}
	default:
		return decision{status: http.StatusOK, stream: true}
	}
}
