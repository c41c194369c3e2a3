// Copyright 2024 The ChromiumOS Authors
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package results

import (
	"encoding/json"
	"os"
	"strconv"

	"go.chromium.org/kirk/errors"
)

// reportStatus returns the status string of the JSON report.
func reportStatus(s Status) string {
	switch s {
	case Pass:
		return "pass"
	case Broken:
		return "brok"
	case Warning:
		return "warn"
	case Skip:
		return "conf"
	default:
		return "fail"
	}
}

type jsonTest struct {
	Command   string   `json:"command"`
	Arguments []string `json:"arguments"`
	Log       string   `json:"log"`
	Retval    []string `json:"retval"`
	Duration  float64  `json:"duration"`
	Failed    int      `json:"failed"`
	Passed    int      `json:"passed"`
	Broken    int      `json:"broken"`
	Skipped   int      `json:"skipped"`
	Warnings  int      `json:"warnings"`
	Result    string   `json:"result"`
}

type jsonResult struct {
	TestFQN string   `json:"test_fqn"`
	Status  string   `json:"status"`
	Test    jsonTest `json:"test"`
}

type jsonStats struct {
	Runtime  float64 `json:"runtime"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Broken   int     `json:"broken"`
	Skipped  int     `json:"skipped"`
	Warnings int     `json:"warnings"`
}

type jsonEnvironment struct {
	Distribution        string `json:"distribution"`
	DistributionVersion string `json:"distribution_version"`
	Kernel              string `json:"kernel"`
	Arch                string `json:"arch"`
	CPU                 string `json:"cpu"`
	Swap                string `json:"swap"`
	RAM                 string `json:"RAM"`
}

// JSONReport is the document written by JSONExporter.
type JSONReport struct {
	Results     []jsonResult    `json:"results"`
	Stats       jsonStats       `json:"stats"`
	Environment jsonEnvironment `json:"environment"`
}

// NewJSONReport builds the report of suites. The environment is the one of
// the first suite.
func NewJSONReport(suites []*SuiteResult) (*JSONReport, error) {
	if len(suites) == 0 {
		return nil, errors.New("no results to export")
	}
	rep := &JSONReport{Results: []jsonResult{}}
	for _, s := range suites {
		for _, t := range s.Tests {
			status := reportStatus(t.Status)
			args := t.Test.Args
			if args == nil {
				args = []string{}
			}
			rep.Results = append(rep.Results, jsonResult{
				TestFQN: t.Test.Name,
				Status:  status,
				Test: jsonTest{
					Command:   t.Test.Command,
					Arguments: args,
					Log:       t.Stdout,
					Retval:    []string{strconv.Itoa(t.ReturnCode)},
					Duration:  t.Duration.Seconds(),
					Failed:    t.Failed,
					Passed:    t.Passed,
					Broken:    t.Broken,
					Skipped:   t.Skipped,
					Warnings:  t.Warnings,
					Result:    status,
				},
			})
		}
		rep.Stats.Runtime += s.ExecTime().Seconds()
		rep.Stats.Passed += s.Passed()
		rep.Stats.Failed += s.Failed()
		rep.Stats.Broken += s.Broken()
		rep.Stats.Skipped += s.Skipped()
		rep.Stats.Warnings += s.Warnings()
	}
	info := suites[0].SUTInfo
	rep.Environment = jsonEnvironment{
		Distribution:        info.Distro,
		DistributionVersion: info.DistroVersion,
		Kernel:              info.Kernel,
		Arch:                info.Arch,
		CPU:                 info.CPU,
		Swap:                info.Swap,
		RAM:                 info.RAM,
	}
	return rep, nil
}

// JSONExporter writes kirk JSON reports.
type JSONExporter struct{}

// Export writes the report of suites to path, which must not exist.
func (JSONExporter) Export(suites []*SuiteResult, path string) error {
	if path == "" {
		return errors.New("report path is empty")
	}
	rep, err := NewJSONReport(suites)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return errors.Errorf("%s already exists", path)
		}
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "    ")
	if err := enc.Encode(rep); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
