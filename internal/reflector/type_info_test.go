package reflector

import (
	"reflect"
	"sync"
	"testing"
)

type accountCreated struct {
	Name string
}

func TestTypeInfoOf(t *testing.T) {
	ti := TypeInfoOf(accountCreated{Name: "x"})

	if ti.Name != "accountCreated" {
		t.Errorf("unexpected Name: %s", ti.Name)
	}
	if ti.Type.Name() != "accountCreated" {
		t.Errorf("unexpected Type.Name(): %s", ti.Type.Name())
	}
}

func TestTypeInfoOf_Pointer(t *testing.T) {
	ti := TypeInfoOf(&accountCreated{})

	if ti.Name != "accountCreated" {
		t.Errorf("unexpected Name for pointer: %s", ti.Name)
	}
	if ti.Type.Kind() == reflect.Pointer {
		t.Error("Type should be unwrapped from pointer")
	}
}

func TestTypeInfoFor(t *testing.T) {
	if ti := TypeInfoFor[accountCreated](); ti.Name != "accountCreated" {
		t.Errorf("unexpected Name: %s", ti.Name)
	}
	if ti := TypeInfoFor[*accountCreated](); ti.Name != "accountCreated" {
		t.Errorf("unexpected Name for pointer type: %s", ti.Name)
	}
}

func TestTypeInfoForType_Nil(t *testing.T) {
	ti := TypeInfoForType(nil)

	if ti.Name != "" {
		t.Errorf("expected empty Name for nil type, got: %s", ti.Name)
	}
	if ti.Type != nil {
		t.Error("expected nil Type for nil input")
	}
}

func TestConcurrentAccess(t *testing.T) {
	const goroutines = 100

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for range goroutines {
		go func() {
			defer wg.Done()
			for range 100 {
				_ = TypeInfoOf(accountCreated{})
				_ = TypeInfoForType(reflect.TypeFor[string]())
			}
		}()
	}
	wg.Wait()
}
