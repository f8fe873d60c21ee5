package app

import (
	"fmt"
	"image"

	"github.com/denis-savelyev/FaceAttend/internal/face"
	"github.com/denis-savelyev/FaceAttend/internal/facedb"
	"github.com/denis-savelyev/FaceAttend/internal/recognition"

	log "github.com/sirupsen/logrus"
)

// Recognize matches the faces of a still image at the current threshold.
// The recognition state is not changed and nothing is logged to the ledger.
// Without a face locator the whole image is treated as one face.
func (a *App) Recognize(img image.Image) ([]recognition.Detection, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: no image", facedb.ErrInvalidInput)
	}

	boxes := []image.Rectangle{img.Bounds()}
	if a.locator != nil {
		found, err := a.locator.Locate(img)
		if err != nil {
			return nil, fmt.Errorf("locating faces: %w", err)
		}
		boxes = found
	}

	threshold := a.machine.Threshold()
	out := make([]recognition.Detection, 0, len(boxes))
	for _, box := range boxes {
		d := recognition.Detection{Box: box}
		gray, err := face.Crop(img, box)
		if err != nil {
			log.WithField("box", box).Debugf("Skipping face box: %v", err)
			out = append(out, d)
			continue
		}
		res, ok, err := a.matcher.Match(face.FromGray(gray), threshold)
		if err != nil {
			log.WithField("box", box).Warnf("Recognition error: %v", err)
		} else if ok {
			d.Name = res.Name
			d.Score = res.Score
		}
		out = append(out, d)
	}
	return out, nil
}
