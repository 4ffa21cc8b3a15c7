package sandbox

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunGo(t *testing.T) {
	s := New(DefaultConfig())
	code := `import "strings"

func Run(input string) (string, error) {
	return strings.ToUpper(input), nil
}
`
	res, err := s.RunGo(context.Background(), code, "hello")
	require.NoError(t, err)
	assert.Equal(t, "HELLO", res.Output)
	assert.Zero(t, s.Hooks().Len())
}

func TestRunGo_NamedPackage(t *testing.T) {
	s := New(DefaultConfig())
	code := `package agent

func Run(input string) (string, error) {
	return input + "!", nil
}
`
	res, err := s.RunGo(context.Background(), code, "hi")
	require.NoError(t, err)
	assert.Equal(t, "hi!", res.Output)
}

func TestRunGo_StaticViolation(t *testing.T) {
	s := New(DefaultConfig())
	code := `import "os/exec"

func Run(input string) (string, error) {
	out, err := exec.Command("id").Output()
	return string(out), err
}
`
	_, err := s.RunGo(context.Background(), code, "")
	var verr *ViolationsError
	require.ErrorAs(t, err, &verr)
	assert.Len(t, verr.Violations, 2)
}

func TestRunGo_HostPackageAlwaysBlocked(t *testing.T) {
	s := New(Config{})
	code := `import "io/ioutil"

func Run(input string) (string, error) {
	b, err := ioutil.ReadFile("/etc/hostname")
	return string(b), err
}
`
	_, err := s.RunGo(context.Background(), code, "")
	var secErr *SecurityError
	require.ErrorAs(t, err, &secErr)
	assert.Equal(t, "io/ioutil", secErr.Name)
	assert.Zero(t, s.Hooks().Len())
}

func TestRunGo_ReturnsError(t *testing.T) {
	s := New(DefaultConfig())
	code := `import "errors"

func Run(input string) (string, error) {
	return "", errors.New("bad input")
}
`
	_, err := s.RunGo(context.Background(), code, "")
	assert.ErrorContains(t, err, "bad input")
}

func TestRunGo_MissingRun(t *testing.T) {
	s := New(DefaultConfig())
	_, err := s.RunGo(context.Background(), "func helper() int { return 1 }", "")
	assert.Error(t, err)
}

func TestRunGo_TimeLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxCPUSeconds = 1
	s := New(cfg)
	code := `import "time"

func Run(input string) (string, error) {
	time.Sleep(3 * time.Second)
	return "late", nil
}
`
	_, err := s.RunGo(context.Background(), code, "")
	var limErr *LimitError
	require.ErrorAs(t, err, &limErr)
	assert.Equal(t, ErrComputeTimeExhausted, limErr.Code)
}

func TestRunGo_TimeLimitStopsInterpreter(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s := New(DefaultConfig())
	code := `var spins int

func Run(input string) (string, error) {
	for {
		spins++
	}
}
`
	for i := 0; i < 3; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		_, err := s.RunGo(ctx, code, "")
		cancel()
		var limErr *LimitError
		require.ErrorAs(t, err, &limErr)
		assert.Equal(t, ErrComputeTimeExhausted, limErr.Code)
	}
	assert.Zero(t, s.Hooks().Len())
}

func TestRunGo_Panic(t *testing.T) {
	s := New(DefaultConfig())
	code := `func Run(input string) (string, error) {
	panic("boom")
}
`
	_, err := s.RunGo(context.Background(), code, "")
	assert.ErrorContains(t, err, "boom")
}
