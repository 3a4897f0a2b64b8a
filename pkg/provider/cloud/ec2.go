package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

const defaultWaitTimeout = 10 * time.Minute

// EC2API is the subset of the EC2 client the instance manager uses.
type EC2API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Manager provisions instances with RunInstances and waits until they are running.
type EC2Manager struct {
	api         EC2API
	waitTimeout time.Duration
	waitOptions []func(*ec2.InstanceRunningWaiterOptions)
}

type EC2Option func(*EC2Manager)

func WithWaitTimeout(timeout time.Duration) EC2Option {
	return func(m *EC2Manager) { m.waitTimeout = timeout }
}

func WithWaiterOptions(opts ...func(*ec2.InstanceRunningWaiterOptions)) EC2Option {
	return func(m *EC2Manager) { m.waitOptions = append(m.waitOptions, opts...) }
}

func NewEC2Manager(api EC2API, opts ...EC2Option) *EC2Manager {
	m := &EC2Manager{api: api, waitTimeout: defaultWaitTimeout}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// NewEC2ManagerFromConfig builds a client for region. Static keys are used when given,
// otherwise the default AWS credential chain applies.
func NewEC2ManagerFromConfig(ctx context.Context, region, accessKey, secretKey string, opts ...EC2Option) (*EC2Manager, error) {
	loadOpts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if accessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, ""),
		))
	}

	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return NewEC2Manager(ec2.NewFromConfig(cfg), opts...), nil
}

func (m *EC2Manager) Launch(ctx context.Context, spec InstanceSpec) (Instance, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
	}

	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}

	if spec.SubnetID != "" {
		input.SubnetId = aws.String(spec.SubnetID)
	}

	if len(spec.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = spec.SecurityGroupIDs
	}

	if len(spec.Tags) > 0 {
		tags := make([]types.Tag, 0, len(spec.Tags))
		for key, value := range spec.Tags {
			tags = append(tags, types.Tag{Key: aws.String(key), Value: aws.String(value)})
		}

		input.TagSpecifications = []types.TagSpecification{{ResourceType: types.ResourceTypeInstance, Tags: tags}}
	}

	out, err := m.api.RunInstances(ctx, input)
	if err != nil {
		return Instance{}, fmt.Errorf("run instances: %w", err)
	}

	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return Instance{}, errors.New("run instances returned no instance")
	}

	id := aws.ToString(out.Instances[0].InstanceId)

	waiter := ec2.NewInstanceRunningWaiter(m.api, m.waitOptions...)

	desc, err := waiter.WaitForOutput(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}}, m.waitTimeout)
	if err != nil {
		_ = m.Terminate(context.WithoutCancel(ctx), id)

		return Instance{}, fmt.Errorf("instance %s did not start: %w", id, err)
	}

	address := instanceAddress(desc)
	if address == "" {
		_ = m.Terminate(context.WithoutCancel(ctx), id)

		return Instance{}, fmt.Errorf("instance %s has no address", id)
	}

	return Instance{ID: id, Address: address}, nil
}

func (m *EC2Manager) Terminate(ctx context.Context, instanceID string) error {
	_, err := m.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{instanceID}})
	if err != nil {
		return fmt.Errorf("terminate instance %s: %w", instanceID, err)
	}

	return nil
}

// instanceAddress prefers the public address and falls back to the private one.
func instanceAddress(out *ec2.DescribeInstancesOutput) string {
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if address := aws.ToString(instance.PublicIpAddress); address != "" {
				return address
			}

			if address := aws.ToString(instance.PrivateIpAddress); address != "" {
				return address
			}
		}
	}

	return ""
}
