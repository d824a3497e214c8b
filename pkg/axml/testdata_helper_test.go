package axml

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

const (
	// aapt-compiled sample app from a tagged androguard release
	fixtureDownloadURL = "https://raw.githubusercontent.com/androguard/androguard/v3.3.5/tests/data/APK/TestActivity.apk"
	fixtureName        = "AndroidManifest.xml"
)

var (
	fixtureOnce sync.Once
	fixtureErr  error
	fixturePath string
)

// getFixtureManifest returns the path of a toolchain-built manifest. A copy
// already in testdata wins, otherwise it is pulled from the sample APK.
func getFixtureManifest(t *testing.T) string {
	fixtureOnce.Do(func() {
		fixturePath = filepath.Join("testdata", fixtureName)
		if _, err := os.Stat(fixturePath); err == nil {
			return
		}

		if err := os.MkdirAll("testdata", 0755); err != nil {
			fixtureErr = fmt.Errorf("failed to create testdata directory: %w", err)
			return
		}

		t.Logf("Downloading manifest fixture from %s", fixtureDownloadURL)
		apkPath := filepath.Join("testdata", "fixture.apk")
		if err := downloadFile(apkPath, fixtureDownloadURL); err != nil {
			fixtureErr = fmt.Errorf("failed to download fixture: %w", err)
			return
		}
		defer os.Remove(apkPath)

		if err := extractEntry(apkPath, fixtureName, fixturePath); err != nil {
			fixtureErr = fmt.Errorf("failed to extract %s: %w", fixtureName, err)
			return
		}
	})

	if fixtureErr != nil {
		t.Skipf("Test data not available: %v", fixtureErr)
	}
	return fixturePath
}

func downloadFile(path string, url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bad status: %s", resp.Status)
	}

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, resp.Body)
	return err
}

func extractEntry(src, name, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	f, err := r.Open(name)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
