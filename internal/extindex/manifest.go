package extindex

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
	"github.com/tidwall/jsonc"

	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/paths"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
	"github.com/GriffinCanCode/exthost/internal/shared/utils"
)

// ManifestFile is the manifest name inside an extension directory.
const ManifestFile = "package.json"

type manifest struct {
	Name             string                 `json:"name"`
	Publisher        string                 `json:"publisher"`
	Version          string                 `json:"version"`
	DisplayName      string                 `json:"displayName"`
	Main             string                 `json:"main"`
	ActivationEvents []string               `json:"activationEvents"`
	Contributes      map[string]interface{} `json:"contributes"`
}

// ReadManifest parses and validates dir/package.json. Comments and
// trailing commas are tolerated. The returned record has InstallPath set
// to the canonical dir and is not yet enabled.
func ReadManifest(dir string) (types.Extension, error) {
	root, err := paths.Canonical(dir)
	if err != nil {
		return types.Extension{}, errs.Wrap(errs.CodeInvalidParams, err, "cannot resolve %s", dir)
	}
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return types.Extension{}, errs.New(errs.CodeNotFound, "%s is not a directory", dir)
	}

	path := filepath.Join(root, ManifestFile)
	st, err := os.Stat(path)
	if err != nil {
		return types.Extension{}, errs.Wrap(errs.CodeNotFound, err, "no %s in %s", ManifestFile, dir)
	}
	if st.Size() > utils.MaxManifestSize {
		return types.Extension{}, errs.New(errs.CodeFileTooLarge, "%s exceeds %d bytes", ManifestFile, utils.MaxManifestSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Extension{}, errs.Wrap(errs.CodeInternal, err, "failed to read manifest")
	}

	var m manifest
	if err := sonic.Unmarshal(jsonc.ToJSON(data), &m); err != nil {
		return types.Extension{}, errs.Wrap(errs.CodeInvalidParams, err, "malformed %s", ManifestFile)
	}

	ext := types.Extension{
		ID:               m.Publisher + "." + m.Name,
		Publisher:        m.Publisher,
		Name:             m.Name,
		Version:          m.Version,
		DisplayName:      m.DisplayName,
		Main:             m.Main,
		InstallPath:      root,
		ActivationEvents: m.ActivationEvents,
		Contributes:      m.Contributes,
		ManifestHash:     utils.Hash(data),
	}
	if err := Validate(ext); err != nil {
		return types.Extension{}, err
	}
	return ext, nil
}

// Validate checks a record's identity, version, entry point and shape.
func Validate(ext types.Extension) error {
	if err := utils.ValidateName(ext.Publisher, "publisher"); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid manifest")
	}
	if err := utils.ValidateName(ext.Name, "name"); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid manifest")
	}
	if ext.ID != ext.Publisher+"."+ext.Name {
		return errs.New(errs.CodeInvalidParams, "id %q does not match %s.%s", ext.ID, ext.Publisher, ext.Name)
	}
	if err := paths.ValidateExtensionID(ext.ID); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid extension id")
	}
	if err := utils.ValidateVersion(ext.Version); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid manifest")
	}
	if err := utils.ValidateString(ext.DisplayName, "displayName", 0, utils.MaxDisplayNameLength, false); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "invalid manifest")
	}
	if !filepath.IsAbs(ext.InstallPath) {
		return errs.New(errs.CodeInvalidParams, "install path %q is not absolute", ext.InstallPath)
	}
	if ext.Main != "" {
		if filepath.IsAbs(ext.Main) {
			return errs.New(errs.CodePathEscape, "main %q must be relative", ext.Main)
		}
		if !paths.Within(ext.InstallPath, filepath.Join(ext.InstallPath, ext.Main)) {
			return errs.New(errs.CodePathEscape, "main %q leaves the extension directory", ext.Main)
		}
	}
	for _, ev := range ext.ActivationEvents {
		if ev == "" {
			return errs.New(errs.CodeInvalidParams, "empty activation event")
		}
	}
	if err := utils.ValidateJSONDepth(ext.Contributes, utils.MaxManifestDepth); err != nil {
		return errs.Wrap(errs.CodeInvalidParams, err, "contributes is too deep")
	}
	return nil
}

func describe(ext types.Extension) string {
	return fmt.Sprintf("%s@%s", ext.ID, ext.Version)
}
