package profile

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/config"
	log "github.com/sirupsen/logrus"
)

const managedMarker = "; Managed by cloudchat"

// AWSConfigPath returns the shared AWS config file path, honouring AWS_CONFIG_FILE.
func AWSConfigPath() string {
	if p := os.Getenv("AWS_CONFIG_FILE"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".aws", "config")
}

// SyncToAWSConfig writes each profile as a [profile NAME] section into the AWS
// config file, replacing sections with the same name. Sections outside the
// given set are left alone.
func SyncToAWSConfig(path string, profiles []Profile) (int, error) {
	if len(profiles) == 0 {
		return 0, nil
	}
	names := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		names[p.Name] = true
	}

	lines, err := readLines(path)
	if err != nil {
		return 0, err
	}
	kept := dropSections(lines, names)

	for len(kept) > 0 && strings.TrimSpace(kept[len(kept)-1]) == "" {
		kept = kept[:len(kept)-1]
	}
	if len(kept) > 0 {
		kept = append(kept, "")
	}

	for _, p := range profiles {
		kept = append(kept,
			managedMarker,
			fmt.Sprintf("[profile %s]", p.Name),
			fmt.Sprintf("sso_start_url = %s", p.StartURL),
			fmt.Sprintf("sso_region = %s", p.SSORegion),
			fmt.Sprintf("sso_account_id = %s", p.AccountID),
			fmt.Sprintf("sso_role_name = %s", p.RoleName),
			fmt.Sprintf("region = %s", p.DefaultRegion),
			"output = json",
			"",
		)
	}

	if err := writeLines(path, kept); err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{"path": path, "count": len(profiles)}).Debug("synced profiles to aws config")
	return len(profiles), nil
}

// RemoveFromAWSConfig deletes the named profile section if cloudchat wrote it.
func RemoveFromAWSConfig(path, name string) (bool, error) {
	lines, err := readLines(path)
	if err != nil {
		return false, err
	}
	if !managedSections(lines)[name] {
		return false, nil
	}
	kept := dropSections(lines, map[string]bool{name: true})
	if err := writeLines(path, kept); err != nil {
		return false, err
	}
	return true, nil
}

// ImportFromAWSConfig reads SSO profiles defined in an AWS config file.
// Profiles without complete SSO settings are skipped.
func ImportFromAWSConfig(ctx context.Context, path, fallbackRegion string) ([]Profile, error) {
	lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	var out []Profile
	for _, name := range sectionNames(lines) {
		sc, err := config.LoadSharedConfigProfile(ctx, name, func(o *config.LoadSharedConfigOptions) {
			o.ConfigFiles = []string{path}
			o.CredentialsFiles = []string{}
		})
		if err != nil {
			log.WithError(err).WithField("profile", name).Debug("skipping profile")
			continue
		}
		p := Profile{
			Name:          name,
			StartURL:      sc.SSOStartURL,
			SSORegion:     sc.SSORegion,
			AccountID:     sc.SSOAccountID,
			RoleName:      sc.SSORoleName,
			DefaultRegion: sc.Region,
		}
		if sc.SSOSession != nil {
			if p.StartURL == "" {
				p.StartURL = sc.SSOSession.SSOStartURL
			}
			if p.SSORegion == "" {
				p.SSORegion = sc.SSOSession.SSORegion
			}
		}
		if p.DefaultRegion == "" {
			p.DefaultRegion = fallbackRegion
		}
		if p.StartURL == "" || p.AccountID == "" || p.RoleName == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read aws config: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}

func writeLines(path string, lines []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0600); err != nil {
		return fmt.Errorf("failed to write aws config: %w", err)
	}
	return nil
}

// sectionProfile returns the profile name of a section header line.
func sectionProfile(trimmed string) (string, bool) {
	if !strings.HasPrefix(trimmed, "[") || !strings.HasSuffix(trimmed, "]") {
		return "", false
	}
	inner := strings.TrimSpace(strings.Trim(trimmed, "[]"))
	if strings.HasPrefix(inner, "profile ") {
		return strings.TrimSpace(strings.TrimPrefix(inner, "profile ")), true
	}
	if inner == "default" {
		return inner, true
	}
	return "", true
}

func sectionNames(lines []string) []string {
	var names []string
	for _, line := range lines {
		if name, ok := sectionProfile(strings.TrimSpace(line)); ok && name != "" {
			names = append(names, name)
		}
	}
	return names
}

func managedSections(lines []string) map[string]bool {
	out := map[string]bool{}
	for i, line := range lines {
		if !strings.HasPrefix(strings.TrimSpace(line), managedMarker) {
			continue
		}
		if name := nextHeader(lines, i); name != "" {
			out[name] = true
		}
	}
	return out
}

func nextHeader(lines []string, from int) string {
	for j := from + 1; j < len(lines); j++ {
		tj := strings.TrimSpace(lines[j])
		if tj == "" || strings.HasPrefix(tj, ";") || strings.HasPrefix(tj, "#") {
			continue
		}
		name, _ := sectionProfile(tj)
		return name
	}
	return ""
}

// dropSections removes the named profile sections and their managed marker comments.
func dropSections(lines []string, names map[string]bool) []string {
	var out []string
	skip := false
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)

		if name, ok := sectionProfile(trimmed); ok {
			skip = name != "" && names[name]
		}
		if strings.HasPrefix(trimmed, managedMarker) && names[nextHeader(lines, i)] {
			continue
		}
		if !skip {
			out = append(out, line)
		}
	}
	return out
}
