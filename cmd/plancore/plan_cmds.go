package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	plancore "github.com/axion-labs/plancore"
	"github.com/axion-labs/plancore/pkg/config"
	"github.com/axion-labs/plancore/pkg/dsl"
	"github.com/axion-labs/plancore/pkg/manifest"
	"github.com/axion-labs/plancore/pkg/policy"
	"github.com/axion-labs/plancore/pkg/signing"
)

func runTemplates(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("templates", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dir := fs.String("dir", "templates", "directory holding plan templates")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}

	entries, err := os.ReadDir(*dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "read templates dir %s: %v\n", *dir, err)
		return exitIO
	}

	var names []string
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		path := filepath.Join(*dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", name, err)
			continue
		}
		p, err := dsl.Parse(raw)
		if err != nil {
			_, _ = fmt.Fprintf(stdout, "%-40s (unparseable: %v)\n", name, err)
			continue
		}
		desc := p.Description
		if desc == "" {
			desc = p.Name
		}
		_, _ = fmt.Fprintf(stdout, "%-40s %s  (%d steps)\n", name, desc, len(p.Steps))
	}
	return exitOK
}

func runValidate(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: plancore validate <file>")
		return exitValidation
	}
	p, _, err := plancore.LoadPlan(args[0])
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}
	_, _ = fmt.Fprintf(stdout, "ok: %s (dsl %s, %d steps)\n", args[0], p.DSLVersion, len(p.Steps))
	return exitOK
}

func runManifest(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("manifest", flag.ContinueOnError)
	fs.SetOutput(stderr)
	write := fs.Bool("write", false, "write the manifest sidecar next to the plan")
	check := fs.Bool("check", false, "check the plan against its existing sidecar")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if fs.NArg() < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: plancore manifest [--write|--check] <file>")
		return exitValidation
	}
	path := fs.Arg(0)

	p, raw, err := plancore.LoadPlan(path)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}

	if *check {
		sc, err := manifest.LoadSidecar(manifest.SidecarPath(path))
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return exitIO
		}
		res := manifest.Compliance(sc, p)
		for _, v := range res.Violations {
			_, _ = fmt.Fprintf(stdout, "violation: %s\n", v)
		}
		for _, w := range res.Warnings {
			_, _ = fmt.Fprintf(stdout, "warning: %s\n", w)
		}
		if !res.Compliant {
			return exitValidation
		}
		_, _ = fmt.Fprintln(stdout, "manifest compliant")
		return exitOK
	}

	if *write {
		sc := manifest.GenerateSidecar(path, raw, p, time.Now())
		out, err := manifest.WriteSidecar(path, sc)
		if err != nil {
			_, _ = fmt.Fprintln(stderr, err.Error())
			return exitIO
		}
		_, _ = fmt.Fprintf(stdout, "wrote %s\n", out)
		return exitOK
	}

	return printJSON(stdout, stderr, manifest.Analyze(p))
}

func runSign(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("key-id", "", "trust store id of the signing key")
	keyPath := fs.String("key", "", "PEM private key (default <config>/keys/<key-id>.pem)")
	if err := fs.Parse(reorderArgs(args)); err != nil {
		return exitValidation
	}
	if fs.NArg() < 1 || *keyID == "" {
		_, _ = fmt.Fprintln(stderr, "usage: plancore sign <file> --key-id <id> [--key <pem>]")
		return exitValidation
	}
	path := fs.Arg(0)

	p, _, err := plancore.LoadPlan(path)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}

	pem := *keyPath
	if pem == "" {
		pem = filepath.Join(config.Load().ConfigDir, "keys", *keyID+".pem")
	}
	priv, err := signing.LoadPrivateKey(pem)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "%v (run: plancore keygen --key-id %s)\n", err, *keyID)
		return exitIO
	}

	sig, err := signing.NewSignerFromKey(priv, *keyID).Sign(p)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitExecution
	}
	out, err := signing.WriteSidecar(path, sig)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	_, _ = fmt.Fprintf(stdout, "signed %s -> %s (sha256 %s)\n", path, out, sig.SHA256[:12])
	return exitOK
}

func runVerify(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: plancore verify <file>")
		return exitValidation
	}
	path := args[0]

	p, _, err := plancore.LoadPlan(path)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}
	sig, err := signing.LoadSidecar(signing.SidecarPath(path))
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}
	trust, err := signing.LoadTrustStore(filepath.Join(config.Load().ConfigDir, "trust_store.yaml"))
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}

	ver, err := signing.Verify(p, sig, trust, "", time.Now())
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}
	return printJSON(stdout, stderr, ver)
}

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	keyID := fs.String("key-id", "", "id for the new key")
	level := fs.String("level", string(signing.TrustDevelopment), "trust level for the new key")
	if err := fs.Parse(args); err != nil {
		return exitValidation
	}
	if *keyID == "" {
		_, _ = fmt.Fprintln(stderr, "usage: plancore keygen --key-id <id> [--level <trust_level>]")
		return exitValidation
	}

	cfg := config.Load()
	keysDir := filepath.Join(cfg.ConfigDir, "keys")
	if err := os.MkdirAll(keysDir, 0o700); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}

	signer, err := signing.NewSigner(*keyID)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitExecution
	}
	pemPath := filepath.Join(keysDir, *keyID+".pem")
	if _, err := os.Stat(pemPath); err == nil {
		_, _ = fmt.Fprintf(stderr, "key %s already exists\n", pemPath)
		return exitIO
	}
	if err := signer.SaveKey(pemPath); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}

	trustPath := filepath.Join(cfg.ConfigDir, "trust_store.yaml")
	trust, err := signing.LoadTrustStore(trustPath)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	trust.Add(*keyID, signing.KeyEntry{
		PublicKey:  signer.PublicKey(),
		TrustLevel: signing.TrustLevel(*level),
	})
	if err := trust.Save(trustPath); err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}

	_, _ = fmt.Fprintf(stdout, "generated %s (level %s)\n", pemPath, *level)
	_, _ = fmt.Fprintf(stdout, "public key: %s\n", signer.PublicKey())
	return exitOK
}

func runPolicyTest(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "usage: plancore policy test <file>")
		return exitValidation
	}
	path := args[0]

	p, _, err := plancore.LoadPlan(path)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitCodeFor(err)
	}

	cfg := config.Load()
	polCfg, err := policy.Load(filepath.Join(cfg.ConfigDir, "policy.yaml"))
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitIO
	}
	engine, err := policy.NewEngine(polCfg)
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitValidation
	}

	m := manifest.Analyze(p)
	var ver *signing.Verification
	if sig, serr := signing.LoadSidecar(signing.SidecarPath(path)); serr == nil {
		trust, terr := signing.LoadTrustStore(filepath.Join(cfg.ConfigDir, "trust_store.yaml"))
		if terr == nil {
			ver, _ = signing.Verify(p, sig, trust, "", time.Now())
		}
	}

	decision := engine.Evaluate(m, ver)
	if code := printJSON(stdout, stderr, decision); code != exitOK {
		return code
	}
	if !decision.Allowed {
		return exitPolicy
	}
	return exitOK
}

func printJSON(stdout, stderr io.Writer, v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(stderr, err.Error())
		return exitExecution
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return exitOK
}

// reorderArgs lets flags follow the positional argument, the way the
// subcommands document themselves (plancore sign plan.yaml --key-id k).
func reorderArgs(args []string) []string {
	var flags, positional []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if strings.HasPrefix(a, "-") {
			flags = append(flags, a)
			if !strings.Contains(a, "=") && i+1 < len(args) && !strings.HasPrefix(args[i+1], "-") {
				flags = append(flags, args[i+1])
				i++
			}
			continue
		}
		positional = append(positional, a)
	}
	return append(flags, positional...)
}
