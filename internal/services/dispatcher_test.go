package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

func TestInitialSegmentsDocument(t *testing.T) {
	segments := InitialSegments(models.FileDocument, 3, "gs://in/report.pdf")
	require.Len(t, segments, 3)
	for i, seg := range segments {
		assert.Equal(t, i, seg.SegmentIndex, "indices are contiguous from zero")
		assert.Equal(t, models.SegmentPage, seg.SegmentType)
		assert.Equal(t, models.SegmentIndexing, seg.Status)
		assert.Equal(t, "gs://in/report.pdf", seg.FileURI)
	}
}

func TestInitialSegmentsMediaGetsOneSegment(t *testing.T) {
	video := InitialSegments(models.FileVideo, 99, "gs://in/talk.mp4")
	require.Len(t, video, 1, "page count is meaningless for media")
	assert.Equal(t, models.SegmentVideo, video[0].SegmentType)

	audio := InitialSegments(models.FileAudio, 0, "gs://in/ep1.mp3")
	require.Len(t, audio, 1)
	assert.Equal(t, models.SegmentAudio, audio[0].SegmentType)

	image := InitialSegments(models.FileImage, 1, "gs://in/scan.png")
	require.Len(t, image, 1)
	assert.Equal(t, models.SegmentPage, image[0].SegmentType)
}

func TestInitialSegmentsInvalidPageCount(t *testing.T) {
	segments := InitialSegments(models.FileDocument, 0, "gs://in/odd.pdf")
	require.Len(t, segments, 1, "a document always has at least one segment")
}
