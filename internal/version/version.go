// Package version reports the build version and checks GitHub for newer releases.
package version

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

var (
	Current       = "v0.1.0" // Will be overwritten by ldflags during build
	ReleasesAPI   = "https://api.github.com/repos/chukul/cloudchat/releases/latest"
	CheckInterval = 24 * time.Hour
)

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
}

type lastCheck struct {
	LastChecked   time.Time `json:"last_checked"`
	LatestVersion string    `json:"latest_version"`
}

// CheckForUpdates prints a notice on stderr when a newer release exists. It
// runs in the background and at most once per CheckInterval.
func CheckForUpdates(stateDir string) {
	cachePath := filepath.Join(stateDir, "version_check.json")
	if !shouldCheck(cachePath) {
		return
	}

	go func() {
		latest, url, err := FetchLatest()
		if err != nil {
			log.WithError(err).Debug("update check failed")
			return
		}
		if IsNewer(latest, Current) {
			fmt.Fprintf(os.Stderr, "\n💡 Update available: %s → %s\n", Current, latest)
			fmt.Fprintf(os.Stderr, "   Download: %s\n\n", url)
		}
		saveCheck(cachePath, latest)
	}()
}

func shouldCheck(cachePath string) bool {
	data, err := os.ReadFile(cachePath)
	if err != nil {
		return true
	}
	var check lastCheck
	if err := json.Unmarshal(data, &check); err != nil {
		return true
	}
	return time.Since(check.LastChecked) > CheckInterval
}

// FetchLatest returns the newest release tag and its page URL.
func FetchLatest() (string, string, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(ReleasesAPI)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", err
	}
	var r release
	if err := json.Unmarshal(body, &r); err != nil {
		return "", "", err
	}
	return r.TagName, r.HTMLURL, nil
}

// IsNewer compares dotted versions numerically, ignoring a leading "v".
func IsNewer(latest, current string) bool {
	l := strings.Split(strings.TrimPrefix(latest, "v"), ".")
	c := strings.Split(strings.TrimPrefix(current, "v"), ".")
	for i := 0; i < len(l) || i < len(c); i++ {
		var lv, cv int
		if i < len(l) {
			fmt.Sscanf(l[i], "%d", &lv)
		}
		if i < len(c) {
			fmt.Sscanf(c[i], "%d", &cv)
		}
		if lv != cv {
			return lv > cv
		}
	}
	return false
}

func saveCheck(cachePath, latest string) {
	data, _ := json.Marshal(lastCheck{LastChecked: time.Now(), LatestVersion: latest})
	if err := os.MkdirAll(filepath.Dir(cachePath), 0700); err != nil {
		return
	}
	_ = os.WriteFile(cachePath, data, 0600)
}
