// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

// Package ec2 implements a connector backend that launches one EC2
// instance per deployment. Nodes are produced on demand, so the pool
// is uncountable.
package ec2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/google/uuid"
	"github.com/netunicorn/netunicorn-connector/lib/config"
	"github.com/netunicorn/netunicorn-connector/lib/connector"
	"github.com/netunicorn/netunicorn-connector/lib/connector/sshconn"
	"github.com/netunicorn/netunicorn-connector/lib/connector/sshexecutor"
	"github.com/netunicorn/netunicorn-connector/sdk/go/ctxlog"
	"github.com/netunicorn/netunicorn-connector/sdk/go/unicorn"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

// Instance tags.
const (
	tagExecutor   = "netunicorn-executor"
	tagExperiment = "netunicorn-experiment"
	tagUsername   = "netunicorn-username"
	tagNode       = "netunicorn-node"
	tagConnector  = "netunicorn-connector"
)

// InstanceType is a kind of node offered to users.
type InstanceType struct {
	// Node names are Prefix followed by a unique suffix.
	Prefix       string
	ProviderType string
	Architecture unicorn.Architecture
	Properties   unicorn.Properties
}

// Params are the driver parameters.
type Params struct {
	Region string
	// Static credentials. If empty, the default credential chain
	// (environment, shared config, instance role) is used.
	AccessKeyID      string
	SecretAccessKey  string
	ImageID          string
	SubnetID         string
	SecurityGroupIDs []string
	KeyPairName      string
	UsePublicIP      bool

	// SSH login for starting executors.
	AdminUsername string
	PrivateKey    string
	SSHPort       string

	InstanceTypes   []InstanceType
	InstallCommand  string
	ExecutorCommand string
	WorkDir         string

	// How long to wait for an instance to be running at execute
	// time, and how often to check.
	BootTimeout      config.Duration
	BootPollInterval config.Duration

	// Suspend API calls this long after a rate limit error.
	RateLimitHoldoff config.Duration
}

func (p *Params) setDefaults() {
	if p.AdminUsername == "" {
		p.AdminUsername = "ubuntu"
	}
	if p.InstallCommand == "" {
		p.InstallCommand = "python3 -m pip install --upgrade netunicorn-executor"
	}
	if p.ExecutorCommand == "" {
		p.ExecutorCommand = "netunicorn-executor"
	}
	if p.WorkDir == "" {
		p.WorkDir = "/var/lib/netunicorn"
	}
	if p.BootTimeout == 0 {
		p.BootTimeout = config.Duration(5 * time.Minute)
	}
	if p.BootPollInterval == 0 {
		p.BootPollInterval = config.Duration(5 * time.Second)
	}
	if p.RateLimitHoldoff == 0 {
		p.RateLimitHoldoff = config.Duration(time.Minute)
	}
}

// ec2API is the part of the EC2 client used by the backend.
type ec2API interface {
	ec2.DescribeInstancesAPIClient
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	DescribeRegions(ctx context.Context, params *ec2.DescribeRegionsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeRegionsOutput, error)
}

func newClient(ctx context.Context, p Params, logger logrus.FieldLogger) (ec2API, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(p.Region),
		func(o *awsconfig.LoadOptions) error {
			if p.AccessKeyID == "" && p.SecretAccessKey == "" {
				return nil
			}
			logger.Debug("using static credentials")
			o.Credentials = credentials.NewStaticCredentialsProvider(p.AccessKeyID, p.SecretAccessKey, "")
			return nil
		})
	if err != nil {
		return nil, fmt.Errorf("error loading aws client config: %w", err)
	}
	return ec2.NewFromConfig(cfg), nil
}

// Driver builds EC2 backends.
var Driver = connector.DriverFunc(func(params json.RawMessage, opts connector.DriverOptions) (connector.Backend, error) {
	return newBackend(params, opts, newClient)
})

type backend struct {
	name      string
	params    Params
	logger    logrus.FieldLogger
	newClient func(context.Context, Params, logrus.FieldLogger) (ec2API, error)
	launcher  sshconn.Launcher
	throttle  throttle

	mtx    sync.RWMutex
	client ec2API
	signer ssh.Signer

	seqMtx sync.Mutex
	seq    int
}

func newBackend(params json.RawMessage, opts connector.DriverOptions, newClient func(context.Context, Params, logrus.FieldLogger) (ec2API, error)) (*backend, error) {
	var p Params
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("error decoding ec2 driver parameters: %w", err)
		}
	}
	p.setDefaults()
	if len(p.InstanceTypes) == 0 {
		return nil, errors.New("no InstanceTypes configured")
	}
	seen := map[string]bool{}
	for _, it := range p.InstanceTypes {
		if it.Prefix == "" || it.ProviderType == "" {
			return nil, fmt.Errorf("instance type %+v needs a Prefix and a ProviderType", it)
		} else if seen[it.Prefix] {
			return nil, fmt.Errorf("duplicate instance type prefix %q", it.Prefix)
		}
		seen[it.Prefix] = true
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &backend{
		name:      opts.Name,
		params:    p,
		logger:    logger,
		newClient: newClient,
		launcher: sshconn.Launcher{
			Connector:       opts.Name,
			InstallCommand:  p.InstallCommand,
			ExecutorCommand: p.ExecutorCommand,
			WorkDir:         p.WorkDir,
		},
	}, nil
}

func (b *backend) Initialize(ctx context.Context, _ json.RawMessage) error {
	var signer ssh.Signer
	if b.params.PrivateKey != "" {
		var err error
		signer, err = ssh.ParsePrivateKey([]byte(b.params.PrivateKey))
		if err != nil {
			return fmt.Errorf("ec2 driver: error parsing PrivateKey: %w", err)
		}
	}
	client, err := b.newClient(ctx, b.params, b.logger)
	if err != nil {
		return err
	}
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.client, b.signer = client, signer
	return nil
}

func (b *backend) Shutdown(ctx context.Context) error {
	b.mtx.Lock()
	defer b.mtx.Unlock()
	b.client = nil
	return nil
}

// api returns the client, or the throttle error if calls are
// suspended.
func (b *backend) api() (ec2API, error) {
	if err := b.throttle.Error(); err != nil {
		return nil, err
	}
	b.mtx.RLock()
	defer b.mtx.RUnlock()
	if b.client == nil {
		return nil, errors.New("ec2 client is not initialized")
	}
	return b.client, nil
}

// checked records rate limit errors returned by an API call.
func (b *backend) checked(ctx context.Context, callType string, err error) error {
	if err != nil {
		b.throttle.CheckRateLimitError(err, ctxlog.FromContextOr(ctx, b.logger), callType, b.params.RateLimitHoldoff.Duration())
	}
	return err
}

func (b *backend) Health(ctx context.Context) error {
	api, err := b.api()
	if err != nil {
		return err
	}
	_, err = api.DescribeRegions(ctx, &ec2.DescribeRegionsInput{})
	return b.checked(ctx, "DescribeRegions", err)
}

func (b *backend) Authenticate(ctx context.Context, username string, auth unicorn.OperationContext) error {
	if username == "" {
		return unicorn.AuthenticationError{Reason: "no username"}
	}
	return nil
}

// Nodes returns one template node per instance type. The producer
// cycles through the instance types.
func (b *backend) Nodes(ctx context.Context, username string, auth unicorn.OperationContext) (unicorn.NodePool, error) {
	var pool unicorn.UncountableNodePool
	for _, it := range b.params.InstanceTypes {
		pool.Template = append(pool.Template, b.node(it, it.Prefix))
	}
	pool.Producer = unicorn.NodeProducerFunc(func(ctx context.Context) (unicorn.Node, error) {
		b.seqMtx.Lock()
		it := b.params.InstanceTypes[b.seq%len(b.params.InstanceTypes)]
		b.seq++
		b.seqMtx.Unlock()
		return b.node(it, it.Prefix+strings.SplitN(uuid.NewString(), "-", 2)[0]), nil
	})
	return pool, nil
}

func (b *backend) node(it InstanceType, name string) unicorn.Node {
	arch := it.Architecture
	if arch == "" {
		arch = unicorn.UnknownArchitecture
	}
	props := unicorn.Properties{}
	for k, v := range it.Properties {
		props[k] = v
	}
	return unicorn.Node{Name: name, Architecture: arch, Properties: props}
}

// instanceType returns the instance type whose prefix is the longest
// match for the node name.
func (b *backend) instanceType(nodeName string) (InstanceType, bool) {
	var best InstanceType
	found := false
	for _, it := range b.params.InstanceTypes {
		if strings.HasPrefix(nodeName, it.Prefix) && len(nodeName) > len(it.Prefix) && len(it.Prefix) > len(best.Prefix) {
			best, found = it, true
		}
	}
	return best, found
}

// clientToken makes RunInstances idempotent for a given deployment.
func (b *backend) clientToken(experimentID, executorID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(b.name+"\x00"+experimentID+"\x00"+executorID)).String()
}

// userData returns the boot script that prepares the instance.
func (b *backend) userData(experimentID string, env unicorn.EnvironmentDefinition) (string, error) {
	steps, err := b.launcher.PrepareSteps(experimentID, env)
	if err != nil {
		return "", err
	}
	script := "#!/bin/sh\nset -e\n"
	for _, step := range steps {
		script += "# " + step.Desc + "\n" + step.Command + "\n"
	}
	return base64.StdEncoding.EncodeToString([]byte(script)), nil
}

// Deploy launches an instance for the deployment. The result is the
// instance ID.
func (b *backend) Deploy(ctx context.Context, item connector.DeployItem) (string, error) {
	it, ok := b.instanceType(item.Deployment.Node.Name)
	if !ok {
		return "", fmt.Errorf("node %q does not match any instance type: %w", item.Deployment.Node.Name, connector.ErrUnreachableNode)
	}
	userData, err := b.userData(item.ExperimentID, item.Deployment.EnvironmentDefinition)
	if err != nil {
		return "", err
	}
	api, err := b.api()
	if err != nil {
		return "", err
	}
	tags := []types.Tag{
		{Key: aws.String(tagExecutor), Value: aws.String(item.Deployment.ExecutorID)},
		{Key: aws.String(tagExperiment), Value: aws.String(item.ExperimentID)},
		{Key: aws.String(tagUsername), Value: aws.String(item.Username)},
		{Key: aws.String(tagNode), Value: aws.String(item.Deployment.Node.Name)},
		{Key: aws.String(tagConnector), Value: aws.String(b.name)},
		{Key: aws.String("Name"), Value: aws.String(item.Deployment.Node.Name)},
	}
	rii := &ec2.RunInstancesInput{
		ImageId:      aws.String(b.params.ImageID),
		InstanceType: types.InstanceType(it.ProviderType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		ClientToken:  aws.String(b.clientToken(item.ExperimentID, item.Deployment.ExecutorID)),
		UserData:     aws.String(userData),
		NetworkInterfaces: []types.InstanceNetworkInterfaceSpecification{{
			AssociatePublicIpAddress: aws.Bool(b.params.UsePublicIP),
			DeleteOnTermination:      aws.Bool(true),
			DeviceIndex:              aws.Int32(0),
			Groups:                   b.params.SecurityGroupIDs,
			SubnetId:                 aws.String(b.params.SubnetID),
		}},
		DisableApiTermination:             aws.Bool(false),
		InstanceInitiatedShutdownBehavior: types.ShutdownBehaviorTerminate,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}
	if b.params.KeyPairName != "" {
		rii.KeyName = aws.String(b.params.KeyPairName)
	}
	rsv, err := api.RunInstances(ctx, rii)
	if err = b.checked(ctx, "RunInstances", err); err != nil {
		return "", err
	}
	if len(rsv.Instances) == 0 {
		return "", errors.New("RunInstances returned no instances")
	}
	id := aws.ToString(rsv.Instances[0].InstanceId)
	ctxlog.FromContext(ctx).WithFields(logrus.Fields{
		"InstanceID":   id,
		"ProviderType": it.ProviderType,
	}).Info("launched instance")
	return id, nil
}

// findInstances returns the live (not terminated or shutting down)
// instances with the given tags.
func (b *backend) findInstances(ctx context.Context, tags map[string]string) ([]types.Instance, error) {
	api, err := b.api()
	if err != nil {
		return nil, err
	}
	filters := []types.Filter{
		{Name: aws.String("tag:" + tagConnector), Values: []string{b.name}},
		{Name: aws.String("instance-state-name"), Values: []string{"pending", "running", "stopping", "stopped"}},
	}
	for k, v := range tags {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + k), Values: []string{v}})
	}
	var found []types.Instance
	pager := ec2.NewDescribeInstancesPaginator(api, &ec2.DescribeInstancesInput{Filters: filters})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err = b.checked(ctx, "DescribeInstances", err); err != nil {
			return nil, err
		}
		for _, rsv := range page.Reservations {
			found = append(found, rsv.Instances...)
		}
	}
	return found, nil
}

func instanceTag(inst types.Instance, key string) string {
	for _, tag := range inst.Tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}

// waitRunning waits until the deployment's instance is running and
// has an address.
func (b *backend) waitRunning(ctx context.Context, experimentID, executorID string) (types.Instance, string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.params.BootTimeout.Duration())
	defer cancel()
	for {
		insts, err := b.findInstances(ctx, map[string]string{tagExecutor: executorID, tagExperiment: experimentID})
		if err != nil {
			return types.Instance{}, "", err
		} else if len(insts) == 0 {
			return types.Instance{}, "", fmt.Errorf("no instance found for executor %s", executorID)
		}
		inst := insts[0]
		addr := aws.ToString(inst.PrivateIpAddress)
		if b.params.UsePublicIP {
			addr = aws.ToString(inst.PublicIpAddress)
		}
		state := types.InstanceStateNamePending
		if inst.State != nil {
			state = inst.State.Name
		}
		switch {
		case state == types.InstanceStateNameRunning && addr != "":
			return inst, addr, nil
		case state != types.InstanceStateNamePending && state != types.InstanceStateNameRunning:
			return types.Instance{}, "", fmt.Errorf("instance %s is %s", aws.ToString(inst.InstanceId), state)
		}
		select {
		case <-ctx.Done():
			return types.Instance{}, "", fmt.Errorf("instance %s is not ready: %w", aws.ToString(inst.InstanceId), ctx.Err())
		case <-time.After(b.params.BootPollInterval.Duration()):
		}
	}
}

// Execute starts the executor on the deployment's instance over SSH.
func (b *backend) Execute(ctx context.Context, item connector.ExecuteItem) (string, error) {
	b.mtx.RLock()
	signer := b.signer
	b.mtx.RUnlock()
	if signer == nil {
		return "", errors.New("ec2 driver: no PrivateKey configured, cannot start executors")
	}
	cmd, err := b.launcher.StartCommand(item)
	if err != nil {
		return "", err
	}
	inst, addr, err := b.waitRunning(ctx, item.ExperimentID, item.Deployment.ExecutorID)
	if err != nil {
		return "", err
	}
	if node := instanceTag(inst, tagNode); node != item.Deployment.Node.Name {
		return "", fmt.Errorf("instance %s belongs to node %q: %w", aws.ToString(inst.InstanceId), node, connector.ErrNodeMismatch)
	}
	exr := sshexecutor.New(sshexecutor.StaticTarget{Addr: addr, User: b.params.AdminUsername})
	defer exr.Close()
	exr.SetSigners(signer)
	if b.params.SSHPort != "" {
		exr.SetTargetPort(b.params.SSHPort)
	}
	_, err = exr.Output(ctx, nil, cmd, nil)
	var dialErr *sshexecutor.DialError
	if errors.As(err, &dialErr) {
		return "", fmt.Errorf("instance %s: %s: %w", aws.ToString(inst.InstanceId), err, connector.ErrUnreachableNode)
	} else if err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).WithField("InstanceID", aws.ToString(inst.InstanceId)).Info("executor started")
	return "", nil
}

func (b *backend) terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	api, err := b.api()
	if err != nil {
		return err
	}
	_, err = api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	return b.checked(ctx, "TerminateInstances", err)
}

// Stop terminates the executor's instance.
func (b *backend) Stop(ctx context.Context, item connector.StopItem) (string, error) {
	insts, err := b.findInstances(ctx, map[string]string{tagExecutor: item.Request.ExecutorID})
	if err != nil {
		return "", err
	} else if len(insts) == 0 {
		if item.Record != nil {
			return "", connector.ErrAlreadyStopped
		}
		return "", connector.ErrUnknownExecutor
	}
	var ids []string
	for _, inst := range insts {
		if instanceTag(inst, tagNode) != item.Request.NodeName {
			return "", connector.ErrNodeMismatch
		} else if item.Record == nil && instanceTag(inst, tagUsername) != item.Username {
			return "", connector.ErrNotOwner
		}
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	if err := b.terminate(ctx, ids); err != nil {
		return "", err
	}
	ctxlog.FromContext(ctx).WithField("InstanceIDs", ids).Info("terminated instances")
	return "", nil
}

// Cleanup terminates the deployment's instance, if it still exists.
func (b *backend) Cleanup(ctx context.Context, experimentID string, dep unicorn.Deployment) error {
	insts, err := b.findInstances(ctx, map[string]string{tagExecutor: dep.ExecutorID, tagExperiment: experimentID})
	if err != nil {
		return err
	}
	var ids []string
	for _, inst := range insts {
		ids = append(ids, aws.ToString(inst.InstanceId))
	}
	return b.terminate(ctx, ids)
}
