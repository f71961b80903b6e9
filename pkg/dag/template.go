package dag

import (
	"bytes"
	"text/template"
)

func (this *Context) template_data() map[string]interface{} {
	return map[string]interface{}{
		"ds":      this.Ds(),
		"ts":      this.Ts(),
		"dag_id":  this.Dag.Id,
		"run_id":  this.Run.RunId,
		"task_id": this.TaskId,
		"params":  this.Params,
	}
}

func (this *Context) funcs() template.FuncMap {
	return template.FuncMap{
		"xcom_pull": func(taskId string, name ...string) (string, error) {
			return this.XComPull(taskId, name...)
		},
	}
}

// Render expands a template such as
//
//	s3://stock-market/{{ xcom_pull "get_formatted_csv" }}
//
// against the run.
func (this *Context) Render(tmpl string) (string, error) {
	t, err := template.New(this.TaskId).Funcs(this.funcs()).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", err
	}
	var buff bytes.Buffer
	if err := t.Execute(&buff, this.template_data()); err != nil {
		return "", err
	}
	return buff.String(), nil
}

// RenderAll renders every value of the map.
func (this *Context) RenderAll(in map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		applied, err := this.Render(v)
		if err != nil {
			return nil, err
		}
		out[k] = applied
	}
	return out, nil
}
