package executor

import "strings"

// envAllowlist is the fixed set of environment variables passed
// through to the native build tool; everything else is dropped
// (spec.md §4.J step 4, "sanitized command construction"). Unlike the
// argv sanitization the classifier performs ahead of submission, this
// allowlist is the executor's own defense: a job's SanitizedArgv has
// already been through the classifier, but the ambient process
// environment never has.
var envAllowlist = []string{
	"HOME", "PATH", "TMPDIR", "DEVELOPER_DIR",
	"LANG", "LC_ALL", "LC_CTYPE", "TERM", "USER", "LOGNAME",
}

// buildEnv filters base (typically executor.OSEnviron()) down to
// envAllowlist, overriding DEVELOPER_DIR with developerDir (resolved
// by the host against the worker's probed toolchains, never inherited
// from the ambient environment), and reports the names of every
// dropped variable for the WARN-level log spec.md calls for.
func buildEnv(base []string, developerDir string) (env []string, dropped []string) {
	allowed := make(map[string]bool, len(envAllowlist))
	for _, k := range envAllowlist {
		allowed[k] = true
	}

	for _, kv := range base {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key := kv[:idx]
		if key == "DEVELOPER_DIR" {
			continue // always overridden below
		}
		if !allowed[key] {
			dropped = append(dropped, key)
			continue
		}
		env = append(env, kv)
	}

	if developerDir != "" {
		env = append(env, "DEVELOPER_DIR="+developerDir)
	}

	return env, dropped
}
