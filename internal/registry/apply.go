package registry

import (
	"github.com/pkg/errors"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/pkg/flowdef"
	"gorm.io/gorm"
)

// Apply registers every function of a collection document, creating
// the collection on first use. Each apply creates new immutable
// function and table versions.
func (r *registryService) Apply(definition *flowdef.Definition) (models.FunctionVersions, error) {
	if err := definition.Validate(); err != nil {
		return nil, err
	}

	collection := &models.Collection{}
	err := r.db.WithContext(r.ctx).
		First(collection, "name = ?", definition.Metadata.Name).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if collection, err = r.CreateCollection(&CreateCollectionRequest{
			Name:        definition.Metadata.Name,
			Labels:      definition.Metadata.Labels,
			Annotations: definition.Metadata.Annotations,
		}); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	versions := make(models.FunctionVersions, 0, len(definition.Functions))

	for _, fn := range definition.Functions {
		dependencies := make([]DependencyRequest, 0, len(fn.Dependencies))
		for _, dep := range fn.Dependencies {
			table, ref, err := flowdef.SplitRef(dep.Table)
			if err != nil {
				return nil, err
			}
			dependencies = append(dependencies, DependencyRequest{
				Table:    table,
				Ref:      ref,
				Optional: dep.Optional,
			})
		}

		fnVersion, err := r.RegisterFunction(&RegisterFunctionRequest{
			CollectionID: collection.ID,
			Name:         fn.Name,
			Tables:       fn.Tables,
			Dependencies: dependencies,
			TriggerBy:    fn.TriggerBy,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "failed to register function %v", fn.Name)
		}

		versions = append(versions, fnVersion)
	}

	return versions, nil
}
