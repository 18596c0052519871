package kube

import (
	"context"
	"sort"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

const templatesConfigMap = "workbench-templates"

// ListTemplates reads the deployable templates from the templates ConfigMap.
// Each entry maps the template name to its YAML definition.
func (c *Cluster) ListTemplates(ctx context.Context) ([]v1.Template, error) {
	configMap, err := c.client.CoreV1().ConfigMaps(c.cfg.SystemNamespace).Get(ctx, templatesConfigMap, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, apperrors.New(apperrors.ErrCodeServer, "failed to read templates", err)
	}

	templates := make([]v1.Template, 0, len(configMap.Data))
	for name, definition := range configMap.Data {
		var template v1.Template
		if err := yaml.Unmarshal([]byte(definition), &template); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to parse template "+name, err)
		}
		template.Name = name
		templates = append(templates, template)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// GetTemplate returns the template with the given name, or nil when no such
// template is configured.
func (c *Cluster) GetTemplate(ctx context.Context, name string) (*v1.Template, error) {
	templates, err := c.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	for _, template := range templates {
		if template.Name == name {
			return &template, nil
		}
	}
	return nil, nil
}
