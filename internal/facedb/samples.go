package facedb

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/denis-savelyev/FaceAttend/internal/face"

	"github.com/disintegration/imaging"
	log "github.com/sirupsen/logrus"
)

var sampleExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true}

// writeSamples stores samples as <dir>/<name>/<i>.png, overwriting files with
// the same number.
func writeSamples(dir, name string, samples []image.Image) error {
	personDir := filepath.Join(dir, name)
	if err := os.MkdirAll(personDir, 0755); err != nil {
		return err
	}
	for i, img := range samples {
		if img == nil {
			return fmt.Errorf("sample %d is nil", i)
		}
		path := filepath.Join(personDir, fmt.Sprintf("%d.png", i))
		if err := imaging.Save(face.Normalize(img), path); err != nil {
			return fmt.Errorf("writing %s: %w", path, err)
		}
	}
	return nil
}

// sampleFiles lists the image files of an identity ordered by their number.
func sampleFiles(dir, name string) []string {
	entries, err := os.ReadDir(filepath.Join(dir, name))
	if err != nil {
		return nil
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !sampleExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Slice(files, func(i, j int) bool {
		a, aErr := strconv.Atoi(strings.TrimSuffix(files[i], filepath.Ext(files[i])))
		b, bErr := strconv.Atoi(strings.TrimSuffix(files[j], filepath.Ext(files[j])))
		switch {
		case aErr == nil && bErr == nil && a != b:
			return a < b
		case aErr == nil && bErr != nil:
			return true
		case aErr != nil && bErr == nil:
			return false
		}
		return files[i] < files[j]
	})
	for i, f := range files {
		files[i] = filepath.Join(dir, name, f)
	}
	return files
}

// readSamples decodes every readable sample of an identity, resized to the
// template resolution. Unreadable files are skipped.
func readSamples(dir, name string) []face.Template {
	var samples []face.Template
	for _, path := range sampleFiles(dir, name) {
		img, err := imaging.Open(path)
		if err != nil {
			log.WithError(err).Warnf("Skipping unreadable sample %s", path)
			continue
		}
		samples = append(samples, face.FromGray(face.Normalize(img)))
	}
	return samples
}
