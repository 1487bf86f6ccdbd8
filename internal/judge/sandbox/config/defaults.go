package config

import (
	"judgecore/internal/judge/sandbox/profile"
	"judgecore/internal/judge/sandbox/spec"
)

// DefaultLanguages returns the built-in language set. Deployments that
// need different toolchain paths or flags override these through the
// service config file.
func DefaultLanguages() []profile.LanguageSpec {
	return []profile.LanguageSpec{
		{
			ID:               "cpp",
			Name:             "C++17",
			Version:          "g++ 13",
			SourceFile:       "main.cpp",
			BinaryFile:       "main",
			CompileEnabled:   true,
			CompileCmdTpl:    "g++ -O2 -std=c++17 -o {bin} {src} {extraFlags}",
			RunCmdTpl:        "{bin}",
			TimeMultiplier:   1,
			MemoryMultiplier: 1,
		},
		{
			ID:               "c",
			Name:             "C11",
			Version:          "gcc 13",
			SourceFile:       "main.c",
			BinaryFile:       "main",
			CompileEnabled:   true,
			CompileCmdTpl:    "gcc -O2 -std=c11 -o {bin} {src} {extraFlags}",
			RunCmdTpl:        "{bin}",
			TimeMultiplier:   1,
			MemoryMultiplier: 1,
		},
		{
			ID:               "python",
			Name:             "Python 3",
			Version:          "3.11",
			SourceFile:       "main.py",
			CompileEnabled:   false,
			RunCmdTpl:        "python3 {src}",
			TimeMultiplier:   3,
			MemoryMultiplier: 2,
		},
		{
			ID:               "java",
			Name:             "Java",
			Version:          "OpenJDK 21",
			SourceFile:       "Main.java",
			BinaryFile:       "Main.class",
			CompileEnabled:   true,
			CompileCmdTpl:    "javac -encoding UTF-8 {extraFlags} {src}",
			RunCmdTpl:        "java -XX:+UseSerialGC -cp . Main",
			TimeMultiplier:   2,
			MemoryMultiplier: 2,
		},
		{
			ID:               "javascript",
			Name:             "Node.js",
			Version:          "20",
			SourceFile:       "main.js",
			CompileEnabled:   false,
			RunCmdTpl:        "node {src}",
			TimeMultiplier:   3,
			MemoryMultiplier: 2,
		},
		{
			ID:             "go",
			Name:           "Go",
			Version:        "1.22",
			SourceFile:     "main.go",
			BinaryFile:     "main",
			CompileEnabled: true,
			CompileCmdTpl:  "go build -o {bin} {src}",
			RunCmdTpl:      "{bin}",
			Env: []string{
				"PATH=/usr/local/go/bin:/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
				"GOCACHE=/work/.gocache",
				"GOFLAGS=-mod=mod",
				"HOME=/work",
			},
			TimeMultiplier:   1.5,
			MemoryMultiplier: 2,
		},
	}
}

// DefaultProfiles returns compile and run profiles for the built-in
// languages. RootFS and seccomp profiles are left empty so the sandbox
// runs against the host filesystem until a deployment configures them.
func DefaultProfiles() []profile.TaskProfile {
	compileLimits := spec.ResourceLimit{
		CPUTimeMs:  10000,
		WallTimeMs: 20000,
		MemoryMB:   1024,
		StackMB:    256,
		OutputMB:   64,
		PIDs:       128,
	}
	runLimits := spec.ResourceLimit{
		CPUTimeMs:  2000,
		WallTimeMs: 5000,
		MemoryMB:   256,
		StackMB:    64,
		OutputMB:   16,
		PIDs:       16,
	}

	profiles := make([]profile.TaskProfile, 0, 2*6)
	for _, lang := range DefaultLanguages() {
		if lang.CompileEnabled {
			profiles = append(profiles, profile.TaskProfile{
				LanguageID:    lang.ID,
				TaskType:      profile.TaskTypeCompile,
				DefaultLimits: compileLimits,
			})
		}
		limits := runLimits
		limits.PIDs = defaultRunPIDs(lang.ID)
		profiles = append(profiles, profile.TaskProfile{
			LanguageID:    lang.ID,
			TaskType:      profile.TaskTypeRun,
			DefaultLimits: limits,
		})
	}
	return profiles
}

// Runtimes that spawn service threads need headroom above the single
// process the compiled languages get.
func defaultRunPIDs(languageID string) int64 {
	switch languageID {
	case "java":
		return 64
	case "go", "javascript":
		return 32
	default:
		return 16
	}
}
