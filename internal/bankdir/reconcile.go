package bankdir

import (
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/conorfennell/studyloop/internal/questions"
)

// Report summarizes a reconcile pass over the bank root.
type Report struct {
	Files     int
	Questions int
	Failed    []string
}

// Reconcile walks the bank root and parse-checks every markdown file,
// reporting how many questions the banks hold and which files failed to
// parse. It reads only; a broken file is reported, never deleted.
func Reconcile(banksRoot string) Report {
	var report Report
	err := filepath.WalkDir(banksRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			report.Failed = append(report.Failed, path)
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(strings.ToLower(d.Name()), ".md") {
			return nil
		}
		report.Files++
		n, err := questions.CountQuestions(path)
		if err != nil {
			slog.Warn("Failed to parse bank file", "path", path, "error", err)
			report.Failed = append(report.Failed, path)
			return nil
		}
		report.Questions += n
		return nil
	})
	if err != nil {
		slog.Error("Error walking bank root", "root", banksRoot, "error", err)
	}
	slog.Info("Bank reconcile complete",
		"files", report.Files, "questions", report.Questions, "failed", len(report.Failed))
	return report
}

// SyncRemotes mirrors each remote bank repository into its own subdirectory
// of banksRoot. Failures are logged per remote rather than aborting the
// whole sync, so one unreachable repo cannot block the others.
func SyncRemotes(banksRoot string, remotes []string) {
	if len(remotes) == 0 {
		return
	}
	slog.Info("Starting bank sync", "remotes", len(remotes))
	for _, remote := range remotes {
		localPath, err := gitURLToLocalPath(banksRoot, remote)
		if err != nil {
			slog.Error("Error determining local path for bank repo", "url", remote, "error", err)
			continue
		}
		if err := SyncRepo(remote, localPath); err != nil {
			slog.Error("Error syncing bank repo", "url", remote, "error", err)
			continue
		}
	}
	slog.Info("Bank sync complete")
}

// gitURLToLocalPath maps a git URL to a stable local checkout path under
// baseDir, handling both https and scp-style ssh URLs.
func gitURLToLocalPath(baseDir, repoURL string) (string, error) {
	parsedURL, err := url.Parse(repoURL)
	if err != nil || (parsedURL.Scheme != "https" && parsedURL.Scheme != "http") {
		if strings.Contains(repoURL, "@") {
			parts := strings.Split(repoURL, ":")
			if len(parts) == 2 {
				hostAndUser := strings.Split(parts[0], "@")
				if len(hostAndUser) == 2 {
					host := hostAndUser[1]
					repoPath := strings.TrimSuffix(parts[1], ".git")
					return filepath.Join(baseDir, host, repoPath), nil
				}
			}
		}
		return "", fmt.Errorf("could not parse git URL: %s", repoURL)
	}

	sanitizedPath := strings.TrimSuffix(parsedURL.Path, ".git")
	return filepath.Join(baseDir, parsedURL.Host, sanitizedPath), nil
}
