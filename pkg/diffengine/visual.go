/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package diffengine

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"

	xdraw "golang.org/x/image/draw"

	apperrors "github.com/DevelopmentCats/govwatcher/internal/errors"
)

// Visual diff tuning. Pixels whose luminance differs by more than
// diffThreshold join the change mask; components of at most minArea
// pixels are treated as noise; the surviving mask is dilated with a 5x5
// element twice before the overlay.
const (
	diffThreshold   = 30
	minArea         = 100
	dilateRadius    = 2
	dilateIters     = 2
	overlayAlpha    = 0.7
	rectStrokeWidth = 2
)

// BuildVisualDiff annotates the new screenshot with the regions where it
// differs from the old one: a translucent red fill over changed areas
// and bounding rectangles around each changed region.
func BuildVisualDiff(oldPNG, newPNG []byte) ([]byte, error) {
	oldImg, err := png.Decode(bytes.NewReader(oldPNG))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDiff, "decode old screenshot")
	}
	newImg, err := png.Decode(bytes.NewReader(newPNG))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDiff, "decode new screenshot")
	}

	// Resize the smaller image (by area) to the larger one's dimensions.
	oldBounds, newBounds := oldImg.Bounds(), newImg.Bounds()
	if oldBounds.Dx() != newBounds.Dx() || oldBounds.Dy() != newBounds.Dy() {
		if area(oldBounds) < area(newBounds) {
			oldImg = resize(oldImg, newBounds.Dx(), newBounds.Dy())
		} else {
			newImg = resize(newImg, oldBounds.Dx(), oldBounds.Dy())
		}
	}

	width := newImg.Bounds().Dx()
	height := newImg.Bounds().Dy()

	oldGray := toLuminance(oldImg)
	newGray := toLuminance(newImg)

	// Threshold the absolute per-pixel difference to a binary mask.
	mask := make([]bool, width*height)
	for i := range mask {
		diff := int(oldGray[i]) - int(newGray[i])
		if diff < 0 {
			diff = -diff
		}
		mask[i] = diff > diffThreshold
	}

	// Drop small components, then thicken what remains.
	significant := filterComponents(mask, width, height, minArea)
	dilated := significant
	for i := 0; i < dilateIters; i++ {
		dilated = dilate(dilated, width, height, dilateRadius)
	}

	out := image.NewRGBA(newImg.Bounds())
	draw.Draw(out, out.Bounds(), newImg, newImg.Bounds().Min, draw.Src)

	// Red fill, weighted onto the original (saturating add).
	alpha := overlayAlpha
	redBoost := uint8(alpha * 255)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !dilated[y*width+x] {
				continue
			}
			idx := out.PixOffset(out.Bounds().Min.X+x, out.Bounds().Min.Y+y)
			out.Pix[idx] = saturatingAdd(out.Pix[idx], redBoost)
		}
	}

	for _, box := range componentBoxes(dilated, width, height) {
		drawRect(out, box, color.RGBA{R: 255, A: 255})
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeDiff, "encode visual diff")
	}
	return buf.Bytes(), nil
}

func area(b image.Rectangle) int {
	return b.Dx() * b.Dy()
}

func resize(img image.Image, width, height int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	xdraw.BiLinear.Scale(dst, dst.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return dst
}

func toLuminance(img image.Image) []uint8 {
	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	out := make([]uint8, width*height)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out[y*width+x] = color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray).Y
		}
	}
	return out
}

// components labels 8-connected regions of the mask and returns the
// label map plus per-label pixel counts (label 0 is background).
func components(mask []bool, width, height int) ([]int, []int) {
	labels := make([]int, len(mask))
	counts := []int{0}
	next := 1

	var stack []int
	for start := range mask {
		if !mask[start] || labels[start] != 0 {
			continue
		}
		label := next
		next++
		counts = append(counts, 0)

		stack = append(stack[:0], start)
		labels[start] = label
		for len(stack) > 0 {
			idx := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			counts[label]++

			x, y := idx%width, idx/width
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					nidx := ny*width + nx
					if mask[nidx] && labels[nidx] == 0 {
						labels[nidx] = label
						stack = append(stack, nidx)
					}
				}
			}
		}
	}
	return labels, counts
}

// filterComponents keeps only mask components larger than minPixels.
func filterComponents(mask []bool, width, height, minPixels int) []bool {
	labels, counts := components(mask, width, height)
	out := make([]bool, len(mask))
	for i, label := range labels {
		if label != 0 && counts[label] > minPixels {
			out[i] = true
		}
	}
	return out
}

func componentBoxes(mask []bool, width, height int) []image.Rectangle {
	labels, counts := components(mask, width, height)
	boxes := make(map[int]image.Rectangle)
	for idx, label := range labels {
		if label == 0 {
			continue
		}
		x, y := idx%width, idx/width
		pixel := image.Rect(x, y, x+1, y+1)
		if box, ok := boxes[label]; ok {
			boxes[label] = box.Union(pixel)
		} else {
			boxes[label] = pixel
		}
	}

	out := make([]image.Rectangle, 0, len(boxes))
	for label := 1; label < len(counts); label++ {
		if box, ok := boxes[label]; ok {
			out = append(out, box)
		}
	}
	return out
}

func dilate(mask []bool, width, height, radius int) []bool {
	out := make([]bool, len(mask))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if !mask[y*width+x] {
				continue
			}
			for dy := -radius; dy <= radius; dy++ {
				for dx := -radius; dx <= radius; dx++ {
					nx, ny := x+dx, y+dy
					if nx < 0 || ny < 0 || nx >= width || ny >= height {
						continue
					}
					out[ny*width+nx] = true
				}
			}
		}
	}
	return out
}

func saturatingAdd(value, add uint8) uint8 {
	sum := int(value) + int(add)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

func drawRect(img *image.RGBA, box image.Rectangle, c color.RGBA) {
	bounds := img.Bounds()
	box = box.Add(bounds.Min).Intersect(bounds)
	for s := 0; s < rectStrokeWidth; s++ {
		for x := box.Min.X; x < box.Max.X; x++ {
			setIfInside(img, x, box.Min.Y+s, c)
			setIfInside(img, x, box.Max.Y-1-s, c)
		}
		for y := box.Min.Y; y < box.Max.Y; y++ {
			setIfInside(img, box.Min.X+s, y, c)
			setIfInside(img, box.Max.X-1-s, y, c)
		}
	}
}

func setIfInside(img *image.RGBA, x, y int, c color.RGBA) {
	if image.Pt(x, y).In(img.Bounds()) {
		img.SetRGBA(x, y, c)
	}
}
