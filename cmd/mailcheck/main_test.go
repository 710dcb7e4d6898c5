package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailfinder/verifier"
	"mailfinder/verifier/verifiertest"
)

func useFakeVerifier(t *testing.T) {
	t.Helper()
	res := &verifiertest.Resolver{MX: map[string][]string{
		"acme.test":  {"mx.acme.test"},
		"catch.test": {"mx.catch.test"},
	}}
	prober := &verifiertest.Prober{
		Mailboxes: map[string]bool{"ops@acme.test": true, "jane.doe@acme.test": true},
		CatchAll:  map[string]bool{"catch.test": true},
	}
	orig := buildVerifier
	buildVerifier = func(verifier.Options, []verifier.Advisor) (*verifier.Verifier, error) {
		return verifiertest.New(res, prober)
	}
	t.Cleanup(func() { buildVerifier = orig })
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunVerifyCSV(t *testing.T) {
	useFakeVerifier(t)

	code, out, _ := runCLI(t, "-format", "csv", "-verify", "ops@acme.test,nobody@acme.test", "bad-address")
	require.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "email,status,confidence,reason", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ops@acme.test,verified,0.85,"), lines[1])
	assert.True(t, strings.HasPrefix(lines[2], "nobody@acme.test,invalid,0.00,"), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "bad-address,invalid_syntax,0.00,"), lines[3])
}

func TestRunFindJSON(t *testing.T) {
	useFakeVerifier(t)

	code, out, _ := runCLI(t, "-format", "json", "-find", "Jane Doe", "-domain", "acme.test")
	require.Equal(t, 0, code)

	var results []verifier.FinderResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 1)
	best, ok := results[0].Best()
	require.True(t, ok)
	assert.Equal(t, "jane.doe@acme.test", best.Email)
	assert.Equal(t, verifier.StatusVerified, best.Status)
}

func TestRunFindFromFile(t *testing.T) {
	useFakeVerifier(t)

	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte("First_Name,Last_Name,Domain\nJane,Doe,acme.test\nJohn,Smith,nowhere.test\n"), 0o600))

	code, out, _ := runCLI(t, "-format", "csv", "-file", path)
	require.Equal(t, 0, code)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "first_name,last_name,domain,email,status,confidence,reason", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "Jane,Doe,acme.test,jane.doe@acme.test,verified,0.85,"), lines[1])
	assert.Equal(t, "John,Smith,nowhere.test,,not_found,0.00,No valid email found", lines[2])
}

func TestRunTable(t *testing.T) {
	useFakeVerifier(t)

	code, out, _ := runCLI(t, "-quiet", "-verify", "ops@acme.test")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "ops@acme.test")
	assert.Contains(t, out, "mx.acme.test")
	assert.Contains(t, out, "0.85")
}

func TestRunUsageErrors(t *testing.T) {
	useFakeVerifier(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"no input", nil, "Usage examples"},
		{"bad format", []string{"-format", "xml", "-verify", "a@b.test"}, "unknown format"},
		{"find without domain", []string{"-find", "Jane Doe"}, "-find requires -domain"},
		{"single name", []string{"-find", "Jane", "-domain", "acme.test"}, "First Last"},
		{"mixed", []string{"-verify", "a@acme.test", "-find", "Jane Doe", "-domain", "acme.test"}, "cannot be mixed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, 2, code)
			assert.Contains(t, stderr, tt.want)
		})
	}
}

func TestFromRows(t *testing.T) {
	emails, reqs, err := fromRows([]map[string]string{{"email": "a@x.test"}, {"email": ""}, {"email": "b@x.test"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a@x.test", "b@x.test"}, emails)
	assert.Empty(t, reqs)

	_, _, err = fromRows([]map[string]string{{"name": "x"}})
	assert.ErrorContains(t, err, "invalid csv")
}
