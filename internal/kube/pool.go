package kube

import (
	"context"
	"sort"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

const (
	instanceTypeLabel = "node.kubernetes.io/instance-type"
	hostnameLabel     = "kubernetes.io/hostname"
)

// ListPools groups the cluster nodes by their pool label.
func (c *Cluster) ListPools(ctx context.Context) ([]v1.Pool, error) {
	nodes, err := c.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: nodePoolLabel})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeServer, "failed to list nodes", err)
	}

	byID := map[string]*v1.Pool{}
	for _, node := range nodes.Items {
		id := node.Labels[nodePoolLabel]
		pool, ok := byID[id]
		if !ok {
			pool = &v1.Pool{ID: id, InstanceType: node.Labels[instanceTypeLabel]}
			byID[id] = pool
		}
		hostname := node.Labels[hostnameLabel]
		if hostname == "" {
			hostname = node.Name
		}
		pool.Nodes = append(pool.Nodes, v1.Node{Hostname: hostname})
	}

	pools := make([]v1.Pool, 0, len(byID))
	for _, pool := range byID {
		pools = append(pools, *pool)
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].ID < pools[j].ID })
	return pools, nil
}

// GetPool returns the pool with the given id, or nil when no node carries it.
func (c *Cluster) GetPool(ctx context.Context, id string) (*v1.Pool, error) {
	pools, err := c.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	for _, pool := range pools {
		if pool.ID == id {
			return &pool, nil
		}
	}
	return nil, nil
}
