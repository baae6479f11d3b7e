package svc

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
)

// LogOptions selects the service log output.
type LogOptions struct {
	ServiceName string
	Follow      bool
	Lines       int
}

// LogCommand returns the platform command that prints the service log.
func LogCommand(goos string, opts LogOptions) (*exec.Cmd, error) {
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultName
	}
	switch goos {
	case "linux":
		args := []string{"-u", opts.ServiceName, "-n", strconv.Itoa(opts.Lines), "--no-pager"}
		if opts.Follow {
			args = append(args, "-f")
		}
		return exec.Command("journalctl", args...), nil
	case "darwin":
		// launchd writes the service's stdout and stderr here.
		args := []string{"-n", strconv.Itoa(opts.Lines)}
		if opts.Follow {
			args = append(args, "-f")
		}
		args = append(args,
			fmt.Sprintf("/var/log/%s.out.log", opts.ServiceName),
			fmt.Sprintf("/var/log/%s.err.log", opts.ServiceName))
		return exec.Command("tail", args...), nil
	case "windows":
		script := fmt.Sprintf(
			`Get-WinEvent -FilterHashtable @{LogName='Application'; ProviderName='%s'} -MaxEvents %d | `+
				`Format-Table -Property TimeCreated, LevelDisplayName, Message -AutoSize -Wrap`,
			opts.ServiceName, opts.Lines)
		return exec.Command("powershell", "-NoProfile", "-Command", script), nil
	default:
		return nil, fmt.Errorf("log viewing not supported on %s", goos)
	}
}

// ViewLogs prints the service log to the terminal.
func ViewLogs(goos string, opts LogOptions) error {
	cmd, err := LogCommand(goos, opts)
	if err != nil {
		return err
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	return cmd.Run()
}
