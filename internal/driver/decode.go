package driver

import (
	"fmt"

	"github.com/go-viper/mapstructure/v2"

	"github.com/ironfleet/conductor/internal/structs"
)

// DecodeDriverInfo decodes a node's free-form driver_info/extra map into a
// typed config struct, the way real drivers (ipmitool, redfish, ...) pull
// their own connection parameters out of the generic map the core persists
// on their behalf. Unknown keys are ignored and missing keys leave the
// corresponding fields at their zero values; type mismatches surface as
// InvalidParameterValue so validation failures flow through the same error
// taxonomy as every other driver rejection.
func DecodeDriverInfo(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("driver: building driver_info decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return &structs.InvalidParameterValue{Reason: fmt.Sprintf("decoding driver_info: %s", err)}
	}
	return nil
}
