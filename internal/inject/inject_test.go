package inject

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

const sampleArtifact = `(function(scope){
'use strict';
var author$project$Main$main = 1;
_Platform_export({'Main':{'init':author$project$Main$main}});
}(this));`

func TestInjectRewritesEmitter(t *testing.T) {
	out, err := Inject([]byte(sampleArtifact), "Main", "ws://localhost:1234/?elmWatchVersion=1.0.0&targetName=Main", 42)
	require.NoError(t, err)

	code := string(out)
	assert.NotContains(t, code, "}(this));")
	assert.Contains(t, code, `__ELM_WATCH_REGISTRY`)
	assert.Contains(t, code, `"Main"`)
	assert.Contains(t, code, "elm-watch hot runtime")
	assert.Contains(t, code, "ws://localhost:1234/?elmWatchVersion=1.0.0&targetName=Main")

	// The original module body must survive untouched.
	assert.Contains(t, code, "author$project$Main$main = 1;")
}

func TestInjectKeepsCodeBeforeSuffix(t *testing.T) {
	out, err := Inject([]byte(sampleArtifact), "Main", "ws://x", 1)
	require.NoError(t, err)

	original := strings.Index(string(out), "_Platform_export")
	runtime := strings.Index(string(out), "elm-watch hot runtime")
	assert.Less(t, original, runtime)
}

func TestInjectRejectsUnknownShape(t *testing.T) {
	_, err := Inject([]byte("console.log('minified beyond recognition');"), "Main", "ws://x", 1)
	require.Error(t, err)
	assert.True(t, watcherr.HasCode(err, watcherr.CodeTroubleWritingOutput), "got %v", err)
}

func TestInjectEmptyArtifact(t *testing.T) {
	_, err := Inject(nil, "Main", "ws://x", 1)
	assert.Error(t, err)
}
