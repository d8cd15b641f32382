package fetch

import (
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		raw     string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://media/videos/clip.mp4", "media", "videos/clip.mp4", false},
		{"s3://media/clip.mp4", "media", "clip.mp4", false},
		{"s3://media/", "", "", true},
		{"s3:///clip.mp4", "", "", true},
		{"https://media/clip.mp4", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := parseS3URL(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseS3URL(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if bucket != tt.bucket || key != tt.key {
			t.Errorf("parseS3URL(%q) = %q, %q", tt.raw, bucket, key)
		}
	}
}

func TestS3ErrorMapping(t *testing.T) {
	err := s3Error(&types.NoSuchKey{})
	if !errors.Is(err, ErrNotFound) || !IsFatal(Classify(0, err)) {
		t.Errorf("NoSuchKey should be a fatal not-found, got %v", err)
	}
	other := errors.New("throttled")
	if s3Error(other) != other {
		t.Error("unrelated errors should pass through")
	}
}
