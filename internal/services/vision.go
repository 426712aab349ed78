package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/kmaeshima/documentanalysisflow/internal/gcp"
)

// VertexVision implements the analyzer's tool surface over the Vertex vision
// model and Cloud Storage.
type VertexVision struct {
	vertex        *gcp.VertexClient
	storageClient *storage.Client
}

func NewVertexVision(vertex *gcp.VertexClient, storageClient *storage.Client) *VertexVision {
	return &VertexVision{vertex: vertex, storageClient: storageClient}
}

func (v *VertexVision) AnalyzeImage(ctx context.Context, imageURI, question string) (string, error) {
	return v.vertex.AskAboutMedia(ctx, imageURI, mimeForMedia(imageURI, "image/png"), question)
}

func (v *VertexVision) AnalyzeVideo(ctx context.Context, videoURI, question string) (string, error) {
	return v.vertex.AskAboutMedia(ctx, videoURI, mimeForMedia(videoURI, "video/mp4"), question)
}

// RotateImage rewrites the image rotated 90 degrees clockwise and returns the
// URI of the rotated copy. The original object is left untouched.
func (v *VertexVision) RotateImage(ctx context.Context, imageURI string) (string, error) {
	data, err := gcp.ReadGCSObject(ctx, v.storageClient, imageURI)
	if err != nil {
		return "", err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to decode image %s: %w", imageURI, err)
	}

	rotated := rotate90(img)
	var buf bytes.Buffer
	switch format {
	case "png":
		err = png.Encode(&buf, rotated)
	default:
		err = jpeg.Encode(&buf, rotated, &jpeg.Options{Quality: 90})
	}
	if err != nil {
		return "", fmt.Errorf("failed to encode rotated image: %w", err)
	}

	rotatedURI := rotatedImageURI(imageURI)
	bucket, object, err := gcp.ParseGCSURI(rotatedURI)
	if err != nil {
		return "", err
	}
	if err := gcp.SaveToGCSAtomically(ctx, v.storageClient.Bucket(bucket), object, buf.String()); err != nil {
		return "", err
	}
	return rotatedURI, nil
}

// rotate90 rotates an image 90 degrees clockwise.
func rotate90(src image.Image) image.Image {
	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dy(), b.Dx()))
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.Set(b.Max.Y-1-y, x-b.Min.X, src.At(x, y))
		}
	}
	return dst
}

// rotatedImageURI derives a stable sibling name so repeated rotations of the
// same source converge on one object.
func rotatedImageURI(imageURI string) string {
	ext := path.Ext(imageURI)
	base := strings.TrimSuffix(imageURI, ext)
	if strings.HasSuffix(base, "_rot90") {
		return imageURI
	}
	return base + "_rot90" + ext
}

func mimeForMedia(uri, fallback string) string {
	switch strings.ToLower(path.Ext(uri)) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mov":
		return "video/quicktime"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	}
	return fallback
}
