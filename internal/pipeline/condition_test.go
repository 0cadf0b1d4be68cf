package pipeline

import "testing"

func TestCompileCondition_CachesProgram(t *testing.T) {
	prog1, err := compileCondition(`params.id > 0`)
	if err != nil {
		t.Fatalf("compileCondition: %v", err)
	}
	prog2, err := compileCondition(`params.id > 0`)
	if err != nil {
		t.Fatalf("compileCondition: %v", err)
	}
	if prog1 != prog2 {
		t.Error("expected the same expression to return a cached program")
	}
}

func TestCompileCondition_InvalidSyntax(t *testing.T) {
	if _, err := compileCondition(`params.id >`); err == nil {
		t.Error("expected a syntax error")
	}
}

func TestRunCondition_TrueFalse(t *testing.T) {
	prog, err := compileCondition(`params.role == "admin"`)
	if err != nil {
		t.Fatalf("compileCondition: %v", err)
	}

	ok, err := runCondition(prog, map[string]any{"params": map[string]any{"role": "admin"}})
	if err != nil {
		t.Fatalf("runCondition: %v", err)
	}
	if !ok {
		t.Error("expected condition to evaluate true")
	}

	ok, err = runCondition(prog, map[string]any{"params": map[string]any{"role": "guest"}})
	if err != nil {
		t.Fatalf("runCondition: %v", err)
	}
	if ok {
		t.Error("expected condition to evaluate false")
	}
}

func TestRunCondition_UndefinedVariableTreatedAsNil(t *testing.T) {
	prog, err := compileCondition(`params.missing == nil`)
	if err != nil {
		t.Fatalf("compileCondition: %v", err)
	}
	ok, err := runCondition(prog, map[string]any{"params": map[string]any{}})
	if err != nil {
		t.Fatalf("runCondition: %v", err)
	}
	if !ok {
		t.Error("expected an undefined field to compare equal to nil")
	}
}

func TestRunCondition_NonBoolResultErrors(t *testing.T) {
	prog, err := compileCondition(`params.id`)
	if err != nil {
		t.Fatalf("compileCondition: %v", err)
	}
	if _, err := runCondition(prog, map[string]any{"params": map[string]any{"id": 5}}); err == nil {
		t.Error("expected an error when the expression doesn't produce a bool")
	}
}
