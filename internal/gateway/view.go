package gateway

import (
	"time"

	"github.com/yourusername/metasqueeze/internal/artifact"
)

// artifactView は API で返すアーティファクトの表現です。保存先のキーやクレームは含めません。
type artifactView struct {
	ID               string     `json:"id"`
	Kind             string     `json:"conversion_type"`
	OutputFormat     string     `json:"output_format,omitempty"`
	Status           string     `json:"status"`
	OriginalName     string     `json:"original_name"`
	OriginalSize     *int64     `json:"original_size"`
	ConvertedSize    *int64     `json:"converted_size"`
	OriginalChecksum string     `json:"original_checksum,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Attempts         int        `json:"attempts"`
	DownloadURL      string     `json:"download_url,omitempty"`
	UploadedAt       time.Time  `json:"uploaded_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`

	Width        int        `json:"width,omitempty"`
	Height       int        `json:"height,omitempty"`
	Format       string     `json:"format,omitempty"`
	CameraMake   string     `json:"camera_make,omitempty"`
	CameraModel  string     `json:"camera_model,omitempty"`
	TakenAt      *time.Time `json:"taken_at,omitempty"`
	GPSLatitude  *float64   `json:"gps_latitude,omitempty"`
	GPSLongitude *float64   `json:"gps_longitude,omitempty"`
}

func newArtifactView(a *artifact.Artifact) artifactView {
	v := artifactView{
		ID:               a.ID,
		Kind:             string(a.Kind),
		OutputFormat:     a.Kind.OutputFormat(),
		Status:           string(a.Status),
		OriginalName:     a.OriginalName,
		OriginalSize:     a.OriginalSize,
		ConvertedSize:    a.OutputSize,
		OriginalChecksum: a.OriginalChecksum,
		ErrorCode:        a.ErrorCode,
		ErrorMessage:     a.ErrorMessage,
		Attempts:         a.Attempts,
		UploadedAt:       a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
		FinishedAt:       a.FinishedAt,
	}
	if a.Status == artifact.StatusCompleted {
		v.DownloadURL = downloadPath(a)
	}
	if img := a.Image; img != nil {
		v.Width = img.Width
		v.Height = img.Height
		v.Format = img.Format
		v.CameraMake = img.CameraMake
		v.CameraModel = img.CameraModel
		v.TakenAt = img.TakenAt
		v.GPSLatitude = img.GPSLatitude
		v.GPSLongitude = img.GPSLongitude
	}
	return v
}

func downloadPath(a *artifact.Artifact) string {
	if a.Kind.Family() == artifact.FamilyImage {
		return "/image_list/" + a.ID + "/"
	}
	return "/documents/" + a.ID + "/"
}
