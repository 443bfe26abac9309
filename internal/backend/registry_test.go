package backend_test

import (
	"testing"

	"github.com/seantiz/vigil/internal/backend"
	"github.com/seantiz/vigil/internal/model"
)

func TestRegistryRegisterAndList(t *testing.T) {
	reg := backend.NewRegistry()

	reg.Register(model.IsolationIsolate, &fakeBackend{name: "isolate"})
	reg.Register(model.IsolationProcess, &fakeBackend{name: "process", killable: true})

	list := reg.List()
	if len(list) != 2 {
		t.Fatalf("List() returned %d backends, want 2", len(list))
	}
	if list[0].Name != "isolate" || list[1].Name != "process" {
		t.Errorf("List() not sorted by name: %v", list)
	}
	if !list[1].Capabilities.Killable {
		t.Error("process backend should report killable")
	}
}

func TestRegistryResolveExplicit(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(model.IsolationIsolate, &fakeBackend{name: "isolate"})

	b, iso, err := reg.Resolve(model.IsolationIsolate, model.ActionEcho)
	if err != nil {
		t.Fatalf("Resolve explicit: %v", err)
	}
	if b.Capabilities().Name != "isolate" || iso != model.IsolationIsolate {
		t.Errorf("resolved (%q, %q), want isolate", b.Capabilities().Name, iso)
	}
}

func TestRegistryResolveExplicitNotRegistered(t *testing.T) {
	reg := backend.NewRegistry()

	_, _, err := reg.Resolve(model.IsolationMicroVM, model.ActionSleep)
	if err == nil {
		t.Error("expected error for unregistered backend, got nil")
	}
}

func TestRegistryResolveAuto(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(model.IsolationShared, &fakeBackend{name: "shared"})
	reg.Register(model.IsolationIsolate, &fakeBackend{name: "isolate"})
	reg.Register(model.IsolationProcess, &fakeBackend{name: "process"})

	tests := []struct {
		kind         string
		expectedName string
	}{
		{model.ActionEcho, "shared"},
		{model.ActionFail, "shared"},
		{model.ActionSpawn, "shared"},
		{model.ActionSleep, "isolate"},
		{model.ActionSpin, "process"},
	}

	for _, tc := range tests {
		for _, iso := range []string{model.IsolationAuto, ""} {
			b, resolved, err := reg.Resolve(iso, tc.kind)
			if err != nil {
				t.Errorf("Resolve(%q, %s): %v", iso, tc.kind, err)
				continue
			}
			if b.Capabilities().Name != tc.expectedName || resolved != tc.expectedName {
				t.Errorf("Resolve(%q, %s) = %q, want %q", iso, tc.kind, b.Capabilities().Name, tc.expectedName)
			}
		}
	}
}

func TestRegistryResolveAutoUnknownAction(t *testing.T) {
	reg := backend.NewRegistry()
	reg.Register(model.IsolationShared, &fakeBackend{name: "shared"})

	if _, _, err := reg.Resolve(model.IsolationAuto, "teleport"); err == nil {
		t.Error("expected error for action without auto-routing rule, got nil")
	}
}

func TestRegistryResolveAutoTargetNotRegistered(t *testing.T) {
	reg := backend.NewRegistry()
	// Register only shared; spin auto-routes to process.
	reg.Register(model.IsolationShared, &fakeBackend{name: "shared"})

	_, _, err := reg.Resolve(model.IsolationAuto, model.ActionSpin)
	if err == nil {
		t.Error("expected error when auto-resolved backend not registered, got nil")
	}
}

func TestAutoRoutingIsACopy(t *testing.T) {
	routes := backend.AutoRouting()
	if routes[model.ActionSpin] != model.IsolationProcess {
		t.Errorf("spin routes to %q, want %q", routes[model.ActionSpin], model.IsolationProcess)
	}

	routes[model.ActionSpin] = model.IsolationShared
	iso, err := backend.ResolveIsolation(model.IsolationAuto, model.ActionSpin)
	if err != nil {
		t.Fatalf("ResolveIsolation: %v", err)
	}
	if iso != model.IsolationProcess {
		t.Errorf("mutating the copy changed routing to %q", iso)
	}
}

func TestRegistryNames(t *testing.T) {
	reg := backend.NewRegistry()
	if names := reg.Names(); len(names) != 0 {
		t.Errorf("Names() = %v, want empty", names)
	}

	reg.Register(model.IsolationShared, &fakeBackend{name: "shared"})
	reg.Register(model.IsolationIsolate, &fakeBackend{name: "isolate"})

	names := reg.Names()
	if len(names) != 2 || names[0] != model.IsolationIsolate || names[1] != model.IsolationShared {
		t.Errorf("Names() = %v, want [isolate shared]", names)
	}
}
