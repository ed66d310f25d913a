// Package inject rewrites a compiled artifact for watch mode.
//
// The compiler emits an IIFE handing its exports to `this`. Injection is
// byte-level string replacement at that known suffix: the module is
// re-pointed at a well-known registry object, and a small client runtime
// is appended that connects back to the hub, applies patches, and
// reloads on request. When the suffix pattern is absent (a postprocess
// rewrote it beyond recognition) the artifact is rejected.
package inject

import (
	"fmt"
	"strings"

	"github.com/conneroisu/elm-watch-go/internal/watcherr"
)

// emitterSuffix is the tail of the compiler's output expression.
const emitterSuffix = "}(this));"

// registration replaces the emitter suffix, parking the exports on the
// shared registry instead of the page global.
const registration = "}((this.__ELM_WATCH_REGISTRY = this.__ELM_WATCH_REGISTRY || {})[%q] = {}));"

// Inject rewrites artifact for the given target. wsURL is the hub's
// WebSocket URL including the target and version query parameters.
func Inject(artifact []byte, targetName, wsURL string, compiledTimestamp int64) ([]byte, error) {
	code := string(artifact)

	idx := strings.LastIndex(code, emitterSuffix)
	if idx == -1 {
		return nil, watcherr.NewFilesystem(
			watcherr.CodeTroubleWritingOutput,
			"could not find the compiled output's emitter expression to inject into",
			nil,
		)
	}

	var b strings.Builder
	b.Grow(len(code) + len(runtimeSource) + 256)
	b.WriteString(code[:idx])
	fmt.Fprintf(&b, registration, targetName)
	b.WriteString(code[idx+len(emitterSuffix):])
	fmt.Fprintf(&b, runtimeSource, targetName, wsURL, compiledTimestamp)

	return []byte(b.String()), nil
}

// runtimeSource is the appended client runtime. Substitutions: target
// name, WebSocket URL, compiled-at timestamp.
const runtimeSource = `
// elm-watch hot runtime
(function () {
  "use strict";
  var targetName = %q;
  var url = %q;
  var compiledTimestamp = %d;
  var registry = (window.__ELM_WATCH_REGISTRY = window.__ELM_WATCH_REGISTRY || {});
  var hooks = (window.__ELM_WATCH = window.__ELM_WATCH || {});
  window.Elm = Object.assign(window.Elm || {}, registry[targetName].Elm);

  var reconnectDelay = 1000;
  var maxReconnectDelay = 30000;
  var socket = null;

  function connect() {
    socket = new WebSocket(url + "&elmCompiledTimestamp=" + compiledTimestamp);
    socket.onopen = function () {
      reconnectDelay = 1000;
      if (hooks.onConnected) hooks.onConnected(targetName);
    };
    socket.onclose = function () {
      setTimeout(connect, reconnectDelay);
      reconnectDelay = Math.min(reconnectDelay * 2, maxReconnectDelay);
    };
    socket.onmessage = function (event) {
      dispatch(JSON.parse(event.data));
    };
  }

  function dispatch(msg) {
    switch (msg.tag) {
      case "StatusChanged":
        if (msg.status.tag === "Reload") {
          window.location.reload();
          return;
        }
        if (hooks.onStatus) hooks.onStatus(targetName, msg.status);
        break;
      case "SuccessfullyCompiled":
        applyPatch(msg.code);
        compiledTimestamp = msg.elmCompiledTimestamp;
        if (hooks.onPatched) hooks.onPatched(targetName, msg.compilationMode);
        break;
      case "SuccessfullyCompiledButRecordFieldsChanged":
        window.location.reload();
        break;
      case "OpenEditorFailed":
        if (hooks.onOpenEditorFailed) hooks.onOpenEditorFailed(targetName, msg.error);
        break;
      default:
        break;
    }
  }

  function applyPatch(code) {
    try {
      new Function(code).call(window);
      window.Elm = Object.assign(window.Elm || {}, registry[targetName].Elm);
    } catch (error) {
      if (hooks.onPatchFailed) hooks.onPatchFailed(targetName, error);
      window.location.reload();
    }
  }

  hooks.send = function (message) {
    if (socket && socket.readyState === WebSocket.OPEN) {
      socket.send(JSON.stringify(message));
    }
  };

  window.addEventListener("focus", function () {
    hooks.send({ tag: "FocusedTab" });
  });

  connect();
})();
`
