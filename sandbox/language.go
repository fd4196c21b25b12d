package sandbox

import (
	"fmt"
	"sort"
)

// Language identifies a supported runtime
type Language string

// Supported languages
const (
	LanguagePython Language = "python"
	LanguageNodeJS Language = "nodejs"
	LanguageGo     Language = "go"
	LanguageCPP    Language = "cpp"
)

// runtimeSpec describes how a language is materialized inside an environment
type runtimeSpec struct {
	Image      string   // default container image
	Filename   string   // name of the code file written into the workdir
	RunCmd     string   // command executed inside the environment (sh -c)
	LocalCmd   string   // command executed by the local backend (sh -c)
	InstallCmd []string // package installer argv, nil when the language has none
}

var runtimes = map[Language]runtimeSpec{
	LanguagePython: {
		Image:      "python:3.11-slim",
		Filename:   "main.py",
		RunCmd:     "python main.py",
		LocalCmd:   "python3 main.py",
		InstallCmd: []string{"pip", "install", "--no-cache-dir", "--quiet"},
	},
	LanguageNodeJS: {
		Image:      "node:20-alpine",
		Filename:   "index.js",
		RunCmd:     "node index.js",
		LocalCmd:   "node index.js",
		InstallCmd: []string{"npm", "install", "--no-save", "--silent"},
	},
	LanguageGo: {
		Image:    "golang:1.23-alpine",
		Filename: "main.go",
		RunCmd:   "go build -o /tmp/app main.go && /tmp/app",
		LocalCmd: "go run main.go",
	},
	LanguageCPP: {
		Image:    "gcc:13",
		Filename: "main.cpp",
		RunCmd:   "g++ -std=c++17 -O2 -o /tmp/app main.cpp && /tmp/app",
		LocalCmd: "g++ -std=c++17 -O2 -o app main.cpp && ./app",
	},
}

// ParseLanguage converts a request string into a Language
func ParseLanguage(s string) (Language, error) {
	lang := Language(s)
	if _, ok := runtimes[lang]; !ok {
		return "", fmt.Errorf("unsupported language: %q, must be one of: %v", s, SupportedLanguages())
	}
	return lang, nil
}

// SupportedLanguages returns the supported language names, sorted
func SupportedLanguages() []string {
	names := make([]string, 0, len(runtimes))
	for lang := range runtimes {
		names = append(names, string(lang))
	}
	sort.Strings(names)
	return names
}

// SupportsPackages reports whether the language has a package installer
func (l Language) SupportsPackages() bool {
	return len(runtimes[l].InstallCmd) > 0
}

// spec returns the runtime table entry for the language
func (l Language) spec() (runtimeSpec, error) {
	rt, ok := runtimes[l]
	if !ok {
		return runtimeSpec{}, fmt.Errorf("unsupported language: %q", l)
	}
	return rt, nil
}
