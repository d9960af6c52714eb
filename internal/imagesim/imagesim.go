// Package imagesim measures perceptual similarity between evidence images.
// Before/after pairs whose frames are near-identical are a fraud signal: the
// submitter photographed the same scene twice.
package imagesim

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/corona10/goimagehash"
)

// NearIdenticalDistance is the Hamming-distance cutoff below which two images
// are treated as the same photo.
const NearIdenticalDistance = 5

// Comparer reports the perceptual distance between two encoded images.
type Comparer interface {
	Distance(before, after []byte) (int, error)
}

// PHashComparer compares 64-bit perceptual hashes.
type PHashComparer struct{}

func (PHashComparer) Distance(before, after []byte) (int, error) {
	hb, err := hash(before)
	if err != nil {
		return 0, fmt.Errorf("hashing before image: %w", err)
	}
	ha, err := hash(after)
	if err != nil {
		return 0, fmt.Errorf("hashing after image: %w", err)
	}
	d, err := hb.Distance(ha)
	if err != nil {
		return 0, fmt.Errorf("comparing hashes: %w", err)
	}
	return d, nil
}

func hash(data []byte) (*goimagehash.ImageHash, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding image: %w", err)
	}
	return goimagehash.PerceptionHash(img)
}

// NearIdentical reports whether the distance indicates the same photo.
func NearIdentical(distance int) bool {
	return distance < NearIdenticalDistance
}
