package env

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"swebox/internal/logging"
	"swebox/internal/task"
)

// SetupSpec is the parsed form of a .yml environment setup file.
type SetupSpec struct {
	// Python is the interpreter version, e.g. "3.11". Informational when
	// the container image already fixes the interpreter.
	Python string `yaml:"python"`

	// Packages is "requirements.txt" or "environment.yml" (install from
	// the repo's spec file) or a space-separated list of packages.
	Packages string `yaml:"packages"`

	// PipPackages are installed with pip, one invocation for all.
	PipPackages []string `yaml:"pip_packages"`

	// Install is the project install command, run in the repo directory.
	// Empty means the default "pip install -e ." best effort.
	Install string `yaml:"install"`
}

// LoadSetupSpec reads and parses a .yml/.yaml environment setup file.
func LoadSetupSpec(path string) (*SetupSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read setup spec: %w", err)
	}
	var spec SetupSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse setup spec %s: %w", path, err)
	}
	return &spec, nil
}

// venvName returns the per-version virtualenv path inside the container.
// Environments for the same python version are built once and cloned.
func venvName(python string) string {
	if python == "" {
		python = "default"
	}
	return "/opt/swebox/venvs/" + python
}

const activeVenv = "/opt/swebox/venv"

// sessionEnvFile is sourced by every bash the environment starts, via
// BASH_ENV. The install step writes the venv activation here so it reaches
// shells that never read .bashrc (sessions run --noprofile --norc, one-shot
// execs are non-interactive).
const sessionEnvFile = "/etc/swebox-env.sh"

// installEnvironment prepares the python environment for a task.
func (e *Environment) installEnvironment(ctx context.Context, inst *task.Instance) error {
	timer := logging.StartTimer(logging.CategorySetup, "install env "+inst.InstanceID)
	defer timer.StopWithInfo()

	setup := e.args.EnvironmentSetup
	if setup == "" {
		return e.installDefault(ctx, inst)
	}

	switch strings.ToLower(filepath.Ext(setup)) {
	case ".sh":
		return e.installFromScript(ctx, setup)
	case ".yml", ".yaml":
		spec, err := LoadSetupSpec(setup)
		if err != nil {
			return err
		}
		return e.installFromSpec(ctx, inst, spec)
	default:
		return fmt.Errorf("unsupported environment setup file: %s", setup)
	}
}

// installDefault tries a plain editable install and tolerates failure.
// Many repos are not pip-installable and the agent can still work on them.
func (e *Environment) installDefault(ctx context.Context, inst *task.Instance) error {
	dir := repoDirectory(inst)
	out, err := e.CommunicateWithTimeout(ctx,
		fmt.Sprintf("cd %s && pip install -q -e . 2>&1 | tail -5", dir), cloneTimeout)
	if err != nil {
		return err
	}
	if e.ReturnCode() != 0 {
		logging.SetupWarn("Default install failed for %s, continuing: %s",
			inst.InstanceID, strings.TrimSpace(out))
	} else {
		logging.Setup("Installed %s (editable)", inst.InstanceID)
	}
	return nil
}

// installFromScript copies a host shell script into the container and
// sources it in the repo directory.
func (e *Environment) installFromScript(ctx context.Context, script string) error {
	data, err := os.ReadFile(script)
	if err != nil {
		return fmt.Errorf("failed to read setup script: %w", err)
	}

	e.mu.Lock()
	ctr := e.container
	inst := e.instance
	e.mu.Unlock()

	const target = "/root/swebox-setup.sh"
	if err := writeContainerFile(ctx, e.docker, ctr.ID, target, string(data)); err != nil {
		return err
	}

	logging.Setup("Running setup script %s", filepath.Base(script))
	_, err = e.CommunicateWithTimeout(ctx,
		fmt.Sprintf("cd %s && source %s", repoDirectory(inst), target), cloneTimeout)
	if err != nil {
		return err
	}
	if rc := e.ReturnCode(); rc != 0 {
		return fmt.Errorf("setup script failed (exit %d)", rc)
	}
	return nil
}

// installFromSpec builds the python environment a .yml spec describes.
// Base virtualenvs are kept per python version and cloned into place, so
// only the first task for a given version pays the creation cost.
func (e *Environment) installFromSpec(ctx context.Context, inst *task.Instance, spec *SetupSpec) error {
	base := venvName(spec.Python)

	out, err := e.Communicate(ctx, fmt.Sprintf("test -d %s && echo present", base))
	if err != nil {
		return err
	}
	if strings.Contains(out, "present") {
		_, err = e.CommunicateWithHandling(ctx, strings.Join([]string{
			"rm -rf " + activeVenv,
			fmt.Sprintf("cp -a %s %s", base, activeVenv),
		}, " && "), "failed to clone python environment")
		if err != nil {
			return err
		}
		logging.Setup("Cloned python environment")
	} else {
		python := "python3"
		if spec.Python != "" {
			python = "python" + spec.Python
		}
		_, err = e.CommunicateWithTimeout(ctx, strings.Join([]string{
			"mkdir -p " + filepath.Dir(base),
			fmt.Sprintf("(%s -m venv %s || python3 -m venv %s)", python, base, base),
			fmt.Sprintf("cp -a %s %s", base, activeVenv),
		}, " && "), cloneTimeout)
		if err != nil {
			return err
		}
		if rc := e.ReturnCode(); rc != 0 {
			return fmt.Errorf("failed to create python environment (exit %d)", rc)
		}
		logging.Setup("Created python environment (python=%s)", spec.Python)
	}

	activate := fmt.Sprintf(". %s/bin/activate", activeVenv)
	dir := repoDirectory(inst)

	if spec.Packages != "" {
		installCmd := packagesInstallCommand(dir, activate, spec.Packages)
		if _, err := e.CommunicateWithTimeout(ctx, installCmd, cloneTimeout); err != nil {
			return err
		}
		if rc := e.ReturnCode(); rc != 0 {
			return fmt.Errorf("failed to install packages (exit %d)", rc)
		}
		logging.Setup("Installed packages: %s", spec.Packages)
	}

	if len(spec.PipPackages) > 0 {
		cmd := fmt.Sprintf("%s && pip install -q %s", activate, strings.Join(spec.PipPackages, " "))
		if _, err := e.CommunicateWithTimeout(ctx, cmd, cloneTimeout); err != nil {
			return err
		}
		if rc := e.ReturnCode(); rc != 0 {
			return fmt.Errorf("failed to install pip packages (exit %d)", rc)
		}
		logging.Setup("Installed %d pip package(s)", len(spec.PipPackages))
	}

	install := spec.Install
	if install == "" {
		install = "pip install -q -e . || true"
	}
	if _, err := e.CommunicateWithTimeout(ctx,
		fmt.Sprintf("cd %s && %s && %s", dir, activate, install), cloneTimeout); err != nil {
		return err
	}
	if rc := e.ReturnCode(); rc != 0 {
		return fmt.Errorf("install command failed (exit %d)", rc)
	}

	// Record the activation where BASH_ENV picks it up, and source it in
	// the current session so it takes effect immediately.
	_, err = e.CommunicateWithHandling(ctx, fmt.Sprintf(
		"printf '%%s\\n' '%s' > %s && . %s", activate, sessionEnvFile, sessionEnvFile),
		"failed to record environment activation")
	return err
}

// packagesInstallCommand builds the install command for the spec's packages
// field. The two file names SWE-bench specs use are handled literally;
// anything else is treated as a space-separated package list.
func packagesInstallCommand(dir, activate, packages string) string {
	switch packages {
	case "requirements.txt":
		return fmt.Sprintf("cd %s && %s && pip install -q -r requirements.txt", dir, activate)
	case "environment.yml":
		// A conda spec file. Plain python images ship no conda; fail with
		// a clear message instead of feeding the filename to pip.
		return fmt.Sprintf(
			"cd %s && command -v conda >/dev/null && conda env update -q -f environment.yml || "+
				"{ echo 'packages: environment.yml requires conda in the image' >&2; exit 1; }", dir)
	default:
		return fmt.Sprintf("%s && pip install -q %s", activate, packages)
	}
}
