package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-logr/logr"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/flowcontrol"
	"sigs.k8s.io/controller-runtime/pkg/client"

	"github.com/dreamware/ringprobe/internal/cluster"
)

// VMOperationType is the spec.type of a VirtualMachineOperation.
type VMOperationType string

const (
	VMOperationStop  VMOperationType = "Stop"
	VMOperationStart VMOperationType = "Start"
)

// VM phases reported in status.phase.
const (
	VMPhaseRunning = "Running"
	VMPhaseStopped = "Stopped"
)

const labelTarget = "ringprobe.io/target"

var (
	vmGVK   = schema.GroupVersionKind{Group: "virtualization.deckhouse.io", Version: "v1alpha2", Kind: "VirtualMachine"}
	vmOpGVK = schema.GroupVersionKind{Group: "virtualization.deckhouse.io", Version: "v1alpha2", Kind: "VirtualMachineOperation"}
)

// VirtualMachine controls nodes running as deckhouse virtualization VMs.
// Stop and Start create a VirtualMachineOperation and then poll the VM
// until status.phase confirms the transition. The VM name is the node ID.
type VirtualMachine struct {
	cl        client.Client
	namespace string
	interval  time.Duration
	timeout   time.Duration
	force     bool
	log       logr.Logger
}

// VMOptions tune VM operations.
type VMOptions struct {
	// Interval between phase checks.
	Interval time.Duration
	// Timeout bounds the wait for the phase to change.
	Timeout time.Duration
	// Force makes Stop power the VM off instead of shutting it down.
	Force bool
}

// NewVirtualMachine creates a VM control plane on an existing client.
func NewVirtualMachine(cl client.Client, namespace string, opts VMOptions, log logr.Logger) *VirtualMachine {
	if opts.Interval <= 0 {
		opts.Interval = 2 * time.Second
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 3 * time.Minute
	}
	return &VirtualMachine{
		cl:        cl,
		namespace: namespace,
		interval:  opts.Interval,
		timeout:   opts.Timeout,
		force:     opts.Force,
		log:       log.WithName("vm"),
	}
}

// NewVirtualMachineFromKubeconfig builds the client from a kubeconfig file.
func NewVirtualMachineFromKubeconfig(kubeconfig, namespace string, opts VMOptions, log logr.Logger) (*VirtualMachine, error) {
	cfg, err := clientcmd.BuildConfigFromFlags("", kubeconfig)
	if err != nil {
		return nil, cluster.Errorf(cluster.ErrConfiguration, "loading kubeconfig %s: %v", kubeconfig, err)
	}
	// operations are issued one at a time
	cfg.RateLimiter = flowcontrol.NewFakeAlwaysRateLimiter()

	cl, err := client.New(cfg, client.Options{})
	if err != nil {
		return nil, cluster.Errorf(cluster.ErrConnectivity, "creating client: %v", err)
	}
	return NewVirtualMachine(cl, namespace, opts, log), nil
}

// Stop stops the VM and waits for phase Stopped.
func (v *VirtualMachine) Stop(ctx context.Context, node cluster.Node) error {
	return v.transition(ctx, node, VMOperationStop, VMPhaseStopped)
}

// Start starts the VM and waits for phase Running.
func (v *VirtualMachine) Start(ctx context.Context, node cluster.Node) error {
	return v.transition(ctx, node, VMOperationStart, VMPhaseRunning)
}

func (v *VirtualMachine) transition(ctx context.Context, node cluster.Node, op VMOperationType, want string) error {
	name, err := target(node)
	if err != nil {
		return err
	}

	phase, err := v.Phase(ctx, name)
	if err != nil {
		return err
	}
	if phase == want {
		return fmt.Errorf("%w: vm %s is %s", ErrAlreadyInState, name, phase)
	}

	vmOp := newVMOperation(v.namespace, name, op, v.force && op == VMOperationStop, time.Now())
	if err := v.cl.Create(ctx, vmOp); err != nil {
		return classifyAPI(err, "creating %s operation for vm %s", op, name)
	}
	v.log.V(1).Info("vm operation created", "vm", name, "operation", vmOp.GetName())

	err = wait.PollUntilContextTimeout(ctx, v.interval, v.timeout, true, func(ctx context.Context) (bool, error) {
		phase, err := v.Phase(ctx, name)
		if err != nil {
			return false, err
		}
		return phase == want, nil
	})
	if wait.Interrupted(err) {
		return cluster.Errorf(cluster.ErrTimeout, "vm %s did not reach %s within %s", name, want, v.timeout)
	}
	return err
}

// Phase returns the VM's status.phase.
func (v *VirtualMachine) Phase(ctx context.Context, name string) (string, error) {
	vm := &unstructured.Unstructured{}
	vm.SetGroupVersionKind(vmGVK)
	if err := v.cl.Get(ctx, client.ObjectKey{Namespace: v.namespace, Name: name}, vm); err != nil {
		return "", classifyAPI(err, "getting vm %s", name)
	}
	phase, _, err := unstructured.NestedString(vm.Object, "status", "phase")
	if err != nil {
		return "", cluster.Errorf(cluster.ErrOperation, "reading phase of vm %s: %v", name, err)
	}
	return phase, nil
}

func newVMOperation(namespace, vmName string, op VMOperationType, force bool, now time.Time) *unstructured.Unstructured {
	u := &unstructured.Unstructured{
		Object: map[string]interface{}{
			"metadata": map[string]interface{}{
				"name":      fmt.Sprintf("ringprobe-%s-%s-%d", strings.ToLower(string(op)), vmName, now.Unix()),
				"namespace": namespace,
				"labels": map[string]interface{}{
					labelTarget: vmName,
				},
			},
			"spec": map[string]interface{}{
				"virtualMachineName": vmName,
				"type":               string(op),
				"force":              force,
			},
		},
	}
	u.SetGroupVersionKind(vmOpGVK)
	return u
}

func classifyAPI(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case apierrors.IsNotFound(err):
		return cluster.Errorf(cluster.ErrConfiguration, "%s: %v", msg, err)
	case apierrors.IsForbidden(err), apierrors.IsInvalid(err), apierrors.IsConflict(err):
		return cluster.Errorf(cluster.ErrOperation, "%s: %v", msg, err)
	case apierrors.IsTimeout(err), apierrors.IsServerTimeout(err):
		return cluster.Errorf(cluster.ErrTimeout, "%s: %v", msg, err)
	default:
		return cluster.Classify(err, "%s", msg)
	}
}
