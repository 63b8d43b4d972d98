package raster

import (
	"fmt"

	"github.com/corona10/goimagehash"
)

// Comparison reports how far two renders of the same canvas are apart.
// PerceptualDistance is the Hamming distance of the perception hashes.
type Comparison struct {
	Identical          bool
	DifferingPixels    int
	PerceptualDistance int
}

func Compare(a, b *Image) (Comparison, error) {
	if a.width != b.width || a.height != b.height {
		return Comparison{}, fmt.Errorf("cannot compare %dx%d image with %dx%d image", a.width, a.height, b.width, b.height)
	}

	var c Comparison
	for i := 0; i < len(a.pix); i += 3 {
		if a.pix[i] != b.pix[i] || a.pix[i+1] != b.pix[i+1] || a.pix[i+2] != b.pix[i+2] {
			c.DifferingPixels++
		}
	}
	c.Identical = c.DifferingPixels == 0

	ha, err := goimagehash.PerceptionHash(a)
	if err != nil {
		return Comparison{}, err
	}
	hb, err := goimagehash.PerceptionHash(b)
	if err != nil {
		return Comparison{}, err
	}
	c.PerceptualDistance, err = ha.Distance(hb)
	if err != nil {
		return Comparison{}, err
	}
	return c, nil
}
