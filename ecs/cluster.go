package ecs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/kortschak/utter"

	"github.com/halyard-run/halyard/core"
)

// Cluster is a read-only view of an ECS cluster. Clusters are provisioned
// outside halyard; the gateway exists so schedule targets can resolve a
// cluster name to its ARN.
type Cluster struct {
	Name                     string
	ARN                      string
	Status                   string
	ActiveServicesCount      int64
	RunningTasksCount        int64
	RegisteredContainerCount int64
}

func (c *Cluster) PK() string               { return c.Name }
func (c *Cluster) RenderForDisplay() string { return utter.Sdump(c) }

type ClusterGateway struct {
	api ecsiface.ECSAPI
}

var _ core.Gateway[*Cluster] = (*ClusterGateway)(nil)

func NewClusterGateway(api ecsiface.ECSAPI) *ClusterGateway {
	return &ClusterGateway{api: api}
}

func (g *ClusterGateway) Get(ctx context.Context, name string) (*Cluster, error) {
	out, err := g.api.DescribeClustersWithContext(ctx, &awsecs.DescribeClustersInput{
		Clusters: aws.StringSlice([]string{name}),
	})
	if err != nil {
		return nil, fmt.Errorf("describe cluster %s: %w", name, err)
	}
	if out == nil || len(out.Clusters) == 0 || aws.StringValue(out.Clusters[0].Status) == "INACTIVE" {
		return nil, &core.ErrDoesNotExist{Kind: "cluster", PK: name}
	}
	data := out.Clusters[0]
	return &Cluster{
		Name:                     aws.StringValue(data.ClusterName),
		ARN:                      aws.StringValue(data.ClusterArn),
		Status:                   aws.StringValue(data.Status),
		ActiveServicesCount:      aws.Int64Value(data.ActiveServicesCount),
		RunningTasksCount:        aws.Int64Value(data.RunningTasksCount),
		RegisteredContainerCount: aws.Int64Value(data.RegisteredContainerInstancesCount),
	}, nil
}

func (g *ClusterGateway) Exists(ctx context.Context, name string) (bool, error) {
	_, err := g.Get(ctx, name)
	return core.ExistsFromErr(err)
}

func (g *ClusterGateway) Save(ctx context.Context, c *Cluster) error {
	return &core.ErrReadOnly{Msg: "clusters are managed outside halyard"}
}

func (g *ClusterGateway) Delete(ctx context.Context, c *Cluster) error {
	return &core.ErrReadOnly{Msg: "clusters are managed outside halyard"}
}
