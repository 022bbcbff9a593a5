// Command plancore is the operator surface for the plan execution core:
// validate and sign plan templates, run them, inspect runs, test policy,
// and serve the queue workers, triggers, and HTTP facade.
package main

import (
	"fmt"
	"io"
	"os"

	plancore "github.com/axion-labs/plancore"
	"github.com/axion-labs/plancore/pkg/fault"
)

// Process exit codes.
const (
	exitOK         = 0
	exitValidation = 2
	exitPolicy     = 3
	exitApproval   = 4
	exitExecution  = 5
	exitIO         = 6
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands; tests drive it directly.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitValidation
	}

	switch args[1] {
	case "templates":
		return runTemplates(args[2:], stdout, stderr)
	case "validate":
		return runValidate(args[2:], stdout, stderr)
	case "run":
		return runRun(args[2:], stdout, stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "show":
		return runShow(args[2:], stdout, stderr)
	case "sign":
		return runSign(args[2:], stdout, stderr)
	case "verify":
		return runVerify(args[2:], stdout, stderr)
	case "manifest":
		return runManifest(args[2:], stdout, stderr)
	case "policy":
		if len(args) < 3 || args[2] != "test" {
			_, _ = fmt.Fprintln(stderr, "usage: plancore policy test <file>")
			return exitValidation
		}
		return runPolicyTest(args[3:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "metrics":
		return runMetrics(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "plancore "+plancore.Version)
		return exitOK
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitValidation
	}
}

// exitCodeFor maps a pipeline error onto the documented process codes.
func exitCodeFor(err error) int {
	if err == nil {
		return exitOK
	}
	switch fault.CodeOf(err) {
	case fault.CodeValidationFailed:
		return exitValidation
	case fault.CodePolicyBlocked, fault.CodeSignatureInvalid, fault.CodeSignatureExpired,
		fault.CodeKeyUnknown, fault.CodeTrustTooLow:
		return exitPolicy
	case fault.CodeApprovalDenied, fault.CodeApprovalTimeout:
		return exitApproval
	case fault.CodeFileNotFound:
		return exitIO
	default:
		return exitExecution
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "plancore - desktop plan execution core")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  plancore <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "PLANS:")
	fmt.Fprintln(w, "  templates                     List plan templates")
	fmt.Fprintln(w, "  validate <file>               Parse and validate a plan")
	fmt.Fprintln(w, "  manifest <file>               Print the derived capability manifest (--write, --check)")
	fmt.Fprintln(w, "  run <file>                    Execute a plan (--auto-approve, --dry-run, --var k=v)")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "RUNS:")
	fmt.Fprintln(w, "  list                          Show recent runs")
	fmt.Fprintln(w, "  show <run_id>                 Show one run with step results")
	fmt.Fprintln(w, "  metrics                       Print stored daily KPI rollups")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "TRUST:")
	fmt.Fprintln(w, "  keygen --key-id <id>          Generate a signing key and trust it")
	fmt.Fprintln(w, "  sign <file> --key-id <id>     Sign a plan (writes <file>.sig.json)")
	fmt.Fprintln(w, "  verify <file>                 Verify a plan signature against the trust store")
	fmt.Fprintln(w, "  policy test <file>            Evaluate the policy gate without running")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "SERVER:")
	fmt.Fprintln(w, "  serve                         Run workers, triggers, and the HTTP facade")
	fmt.Fprintln(w, "  version                       Print the build version")
}
