package k8s

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	utilexec "k8s.io/client-go/util/exec"
)

// Target addresses one container of one pod.
type Target struct {
	Namespace string
	Pod       string
	Container string
}

func (t Target) String() string {
	if t.Container == "" {
		return t.Namespace + "/" + t.Pod
	}
	return t.Namespace + "/" + t.Pod + "[" + t.Container + "]"
}

// ExecRequest is a command to run inside Target.
type ExecRequest struct {
	Target  Target
	Command []string
	Stdin   io.Reader
}

// CommandLine renders the command for diagnostics, kubectl style.
func (r ExecRequest) CommandLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "kubectl exec -n %s %s", r.Target.Namespace, r.Target.Pod)
	if r.Target.Container != "" {
		fmt.Fprintf(&b, " -c %s", r.Target.Container)
	}
	b.WriteString(" -- ")
	b.WriteString(strings.Join(r.Command, " "))
	return b.String()
}

// CommandResult is the structured outcome of a remote command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Output joins stdout and stderr for diagnostics.
func (r CommandResult) Output() string {
	out := strings.TrimSpace(r.Stdout)
	if s := strings.TrimSpace(r.Stderr); s != "" {
		if out != "" {
			out += "\n"
		}
		out += "stderr: " + s
	}
	return out
}

// Executor runs commands inside pods. A non-zero remote exit status is a
// result, not an error; errors are reserved for transport failures.
type Executor interface {
	Exec(ctx context.Context, req ExecRequest) (CommandResult, error)
}

// Exec runs req over the pods/exec subresource.
func (c *Clients) Exec(ctx context.Context, req ExecRequest) (CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.ExecTimeout)
	defer cancel()

	restReq := c.Clientset.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(req.Target.Pod).
		Namespace(req.Target.Namespace).
		SubResource("exec")

	restReq.VersionedParams(&corev1.PodExecOptions{
		Container: req.Target.Container,
		Command:   req.Command,
		Stdin:     req.Stdin != nil,
		Stdout:    true,
		Stderr:    true,
	}, scheme.ParameterCodec)

	executor, err := remotecommand.NewSPDYExecutor(c.Config, "POST", restReq.URL())
	if err != nil {
		return CommandResult{}, fmt.Errorf("creating executor for %s: %w", req.Target, err)
	}

	var stdout, stderr bytes.Buffer
	err = executor.StreamWithContext(ctx, remotecommand.StreamOptions{
		Stdin:  req.Stdin,
		Stdout: &stdout,
		Stderr: &stderr,
	})

	result := CommandResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr utilexec.ExitError
		if errors.As(err, &exitErr) && exitErr.Exited() {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		return result, fmt.Errorf("exec in %s: %w", req.Target, err)
	}
	return result, nil
}

// CopyFile streams the local file into remotePath inside target and marks it
// executable. It needs only sh and cat in the container.
func CopyFile(ctx context.Context, ex Executor, target Target, localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("reading %s: %w", localPath, err)
	}

	req := ExecRequest{
		Target:  target,
		Command: []string{"sh", "-c", fmt.Sprintf("cat > %s && chmod +x %s", remotePath, remotePath)},
		Stdin:   bytes.NewReader(data),
	}
	res, err := ex.Exec(ctx, req)
	if err != nil {
		return fmt.Errorf("copying %s to %s:%s: %w", localPath, target, remotePath, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("copying %s to %s:%s: exit code %d: %s", localPath, target, remotePath, res.ExitCode, res.Output())
	}
	return nil
}
