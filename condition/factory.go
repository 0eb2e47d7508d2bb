package condition

import (
	"github.com/zyedidia/generic/hashmap"
)

// Factory dedups structurally identical conditions across the rule set, so
// that two rules sharing e.g. the same category leaf share one node.
type Factory struct {
	ConditionCache *hashmap.Map[Condition, Condition]
}

func NewFactory() *Factory {
	return &Factory{
		ConditionCache: hashmap.New[Condition, Condition](
			0,
			func(a, b Condition) bool { return a.Equals(b) },
			Condition.GetHash,
		),
	}
}

func (factory *Factory) CacheCondition(cond Condition) Condition {
	if cond.GetKind() == ErrorCondKind {
		return cond
	}
	result, ok := factory.ConditionCache.Get(cond)
	if !ok {
		factory.ConditionCache.Put(cond, cond)
		result = cond
	}
	return result
}

func (factory *Factory) NewAllCond(cond ...Condition) Condition {
	return factory.CacheCondition(NewAllCond(cond...))
}

func (factory *Factory) NewAnyCond(cond ...Condition) Condition {
	return factory.CacheCondition(NewAnyCond(cond...))
}

func (factory *Factory) NewNotCond(cond Condition) Condition {
	return factory.CacheCondition(NewNotCond(cond))
}

func (factory *Factory) NewTopicCond(suffix string) Condition {
	return factory.CacheCondition(NewTopicCond(suffix))
}

func (factory *Factory) NewCategoryCond(category string) Condition {
	return factory.CacheCondition(NewCategoryCond(category))
}
