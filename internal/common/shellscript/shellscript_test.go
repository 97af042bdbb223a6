package shellscript

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestNew_Dedent(t *testing.T) {
	tests := map[string]struct {
		script   string
		expected string
		err      bool
	}{
		"indented block": {
			script:   "\n\n    #!/bin/bash\n    echo a\n      echo b\n",
			expected: "#!/bin/bash\necho a\n  echo b\n",
		},
		"blank lines keep no indentation": {
			script:   "  #!/bin/bash\n\n  echo a",
			expected: "#!/bin/bash\n\necho a",
		},
		"empty": {
			script:   "\n   \n",
			expected: "",
		},
		"line indented less than first": {
			script: "    #!/bin/bash\n  echo a",
			err:    true,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ss, err := New(tc.script, Options{})
			if tc.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected, ss.Script())
		})
	}
}

func TestSubstituteAndWrite(t *testing.T) {
	ss, err := New(`
		#!/bin/bash
		echo {greeting} {count}
	`, Options{})
	require.NoError(t, err)
	ss.Substitute("{greeting}", "hello")
	ss.Substitute("{count}", 3)

	path := filepath.Join(t.TempDir(), "script.sh")
	require.NoError(t, ss.Write(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\necho hello 3\n", string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o744), info.Mode().Perm())

	assert.Error(t, ss.Write(""))
}

func TestStartAndWait(t *testing.T) {
	out := &syncBuffer{}
	ss, err := New(`
		#!/bin/bash
		echo out
		echo err >&2
		exit 3
	`, Options{Output: out, Label: "test"})
	require.NoError(t, err)

	_, err = ss.ReturnCode()
	assert.Error(t, err)
	assert.Equal(t, time.Duration(0), ss.ElapsedTimeSinceStart())

	require.NoError(t, ss.Start())
	code, finished := ss.Wait(0)
	assert.True(t, finished)
	assert.Equal(t, 3, code)
	assert.True(t, ss.IsFinished())
	assert.False(t, ss.IsRunning())
	code, err = ss.ReturnCode()
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.Contains(t, out.String(), "out")
	assert.Contains(t, out.String(), "err")
	assert.Greater(t, ss.ElapsedTimeSinceStart(), time.Duration(0))
}

func TestWait_TimesOut(t *testing.T) {
	ss, err := New("#!/bin/bash\nsleep 10\n", Options{Ladder: NewLadder(50*time.Millisecond, time.Second)})
	require.NoError(t, err)
	require.NoError(t, ss.Start())
	defer ss.Kill()

	_, finished := ss.Wait(50 * time.Millisecond)
	assert.False(t, finished)
	assert.True(t, ss.IsRunning())
}

func TestStop_EscalatesToKill(t *testing.T) {
	out := &syncBuffer{}
	ss, err := New(`
		#!/bin/bash
		trap "echo caught" INT TERM
		while true; do sleep 0.1; done
	`, Options{Output: out, Ladder: NewLadder(100*time.Millisecond, 2*time.Second)})
	require.NoError(t, err)
	require.NoError(t, ss.Start())
	time.Sleep(200 * time.Millisecond)

	start := time.Now()
	ss.Stop()
	elapsed := time.Since(start)

	assert.True(t, ss.IsFinished())
	code, err := ss.ReturnCode()
	require.NoError(t, err)
	assert.Equal(t, -int(syscall.SIGKILL), code)
	// six ignored signals with a 100ms wait each before SIGKILL
	assert.GreaterOrEqual(t, elapsed, 600*time.Millisecond)
	assert.GreaterOrEqual(t, strings.Count(out.String(), "caught"), 1)
}

func TestStop_ReturnsEarlyWhenScriptExits(t *testing.T) {
	ss, err := New(`
		#!/bin/bash
		while true; do sleep 0.1; done
	`, Options{Ladder: NewLadder(5*time.Second, time.Second)})
	require.NoError(t, err)
	require.NoError(t, ss.Start())

	start := time.Now()
	ss.Stop()
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.True(t, ss.IsFinished())
}

func TestStopWithSignal(t *testing.T) {
	ss, err := New(`
		#!/bin/bash
		trap "" INT
		while true; do sleep 0.1; done
	`, Options{})
	require.NoError(t, err)
	require.NoError(t, ss.Start())
	time.Sleep(100 * time.Millisecond)

	assert.False(t, ss.StopWithSignal(syscall.SIGINT, 300*time.Millisecond))
	assert.True(t, ss.StopWithSignal(syscall.SIGTERM, 5*time.Second))
	assert.True(t, ss.StopWithSignal(syscall.SIGTERM, time.Second))
}

func TestStart_RemovesTemporaryScript(t *testing.T) {
	ss, err := New("#!/bin/bash\ntrue\n", Options{})
	require.NoError(t, err)
	require.NoError(t, ss.Start())
	_, finished := ss.Wait(0)
	require.True(t, finished)
	require.Len(t, ss.dirsToRemove, 1)
	assert.Eventually(t, func() bool {
		_, err := os.Stat(ss.dirsToRemove[0])
		return os.IsNotExist(err)
	}, 5*time.Second, 10*time.Millisecond)
}
