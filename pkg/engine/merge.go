package engine

import "fmt"

// mergeParams deep-merges source into target in place: object keys
// recurse, and at every other key target's existing value always
// wins (target is built from highest-to-lowest priority layers, so
// "already set" means "set by a higher-priority layer"). source must
// be a JSON object at the top level.
func mergeParams(target map[string]interface{}, source interface{}) error {
	sourceObj, ok := source.(map[string]interface{})
	if !ok {
		return fmt.Errorf("variant params must be a JSON object at the top level, got %T", source)
	}

	for k, v := range sourceObj {
		existing, has := target[k]
		if !has {
			target[k] = v
			continue
		}
		existingObj, existingIsObj := existing.(map[string]interface{})
		vObj, vIsObj := v.(map[string]interface{})
		if existingIsObj && vIsObj {
			// mergeParams never errors on a nested object source, so
			// the recursive call's error is unreachable here.
			_ = mergeParams(existingObj, vObj)
			continue
		}
		// scalar, array, or type mismatch: keep target's higher-priority value
	}
	return nil
}
