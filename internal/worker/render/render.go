// Meshvault is a 3D-asset library service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package render turns model geometry into encoded thumbnail images.
// The actual rasterizer sits behind the Engine interface; this package
// owns scene lifecycle, frame validation, and the resize/encode step.
package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/disintegration/imaging"
)

// Scene holds per-job render state. A scene must be cleared between
// jobs: geometry from one model must never leak into the next frame.
type Scene interface {
	// Load parses model data into the scene.
	Load(ctx context.Context, r io.Reader) error

	// Render rasterizes the scene into a frame at the given size.
	Render(ctx context.Context, width, height int) (image.Image, error)

	// Clear releases all loaded geometry and resets the scene to empty.
	// Safe to call on an already-empty scene.
	Clear()
}

// Engine creates scenes. Implementations wrap whatever rasterizer the
// deployment ships with.
type Engine interface {
	NewScene() Scene
}

// ValidateFrame rejects frames a rasterizer can emit on partial failure:
// nil, zero-area, or fully transparent output.
func ValidateFrame(img image.Image) error {
	if img == nil {
		return fmt.Errorf("renderer returned nil frame")
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return fmt.Errorf("renderer returned empty frame (%dx%d)", b.Dx(), b.Dy())
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			if _, _, _, a := img.At(x, y).RGBA(); a != 0 {
				return nil
			}
		}
	}
	return fmt.Errorf("renderer returned fully transparent frame")
}

// Encode fits the frame into width x height on a white background and
// encodes it as PNG.
func Encode(img image.Image, width, height int) ([]byte, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid output size %dx%d", width, height)
	}

	fitted := imaging.Fit(img, width, height, imaging.Lanczos)
	canvas := imaging.New(width, height, color.White)
	canvas = imaging.PasteCenter(canvas, fitted)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, canvas, imaging.PNG); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}
