package dart

import (
	"context"
	"testing"

	"github.com/brutev/fd-agent/internal/errors"
	"github.com/brutev/fd-agent/internal/extract"
	"github.com/brutev/fd-agent/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mandateScreen = `
import 'package:flutter/material.dart';
import 'package:flutter_bloc/flutter_bloc.dart';

// class Commented extends StatelessWidget {}

abstract class MandateEvent {}
class CreateMandate extends MandateEvent {}
class CancelMandate extends MandateEvent {}

abstract class MandateState {}
class MandateInitial extends MandateState {}
class MandateCreated extends MandateState {}

class MandateBloc extends Bloc<MandateEvent, MandateState> {
  final Dio _dio;
  MandateBloc(this._dio) : super(MandateInitial());

  Future<void> create(Map<String, dynamic> body) async {
    await _dio.post('/api/v1/upi/mandate/create', data: body);
  }

  Future<void> cancel(String id) async {
    await _dio.delete('/api/v1/upi/mandate/$id/cancel');
  }
}

class MandateScreen extends StatefulWidget {
  const MandateScreen({super.key});

  @override
  State<MandateScreen> createState() => _MandateScreenState();
}

class _MandateScreenState extends State<MandateScreen> {
  final _formKey = GlobalKey<FormState>();

  @override
  Widget build(BuildContext context) {
    return BlocBuilder<MandateBloc, MandateState>(
      builder: (context, state) => Form(
        key: _formKey,
        child: Column(children: [
          TextFormField(validator: Validators.upiId),
          TextFormField(validator: _validateAmount),
          ElevatedButton(
            onPressed: () => Navigator.pushNamed(context, '/mandate/success'),
            child: const Text('Create {mandate}'),
          ),
        ]),
      ),
    );
  }

  String? _validateAmount(String? v) => null;

  Future<void> refresh() async {
    final res = await http.get(Uri.parse('https://bank.example.com/api/v1/upi/mandates'));
  }
}

final routes = <String, WidgetBuilder>{
  '/mandate': (context) => const MandateScreen(),
  '/mandate/success': (_) => MandateSuccessScreen(),
};
`

func extractSource(t *testing.T, path, content string) *extract.FileResult {
	t.Helper()
	ex := New(nil)
	res, err := ex.Extract(context.Background(), extract.SourceFile{Path: path, Content: []byte(content)})
	require.NoError(t, err)
	return res
}

func byKind(res *extract.FileResult, kind models.EntityKind) []models.Entity {
	var out []models.Entity
	for _, e := range res.Entities {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func find(t *testing.T, res *extract.FileResult, kind models.EntityKind, name string) models.Entity {
	t.Helper()
	for _, e := range res.Entities {
		if e.Kind == kind && e.Name == name {
			return e
		}
	}
	t.Fatalf("no %s named %q", kind, name)
	return models.Entity{}
}

func hasRel(res *extract.FileResult, source string, target models.EntityRef, kind models.RelationKind) bool {
	for _, r := range res.Relationships {
		if r.Source.ID == source && r.Kind == kind &&
			r.Target.ID == target.ID && r.Target.Kind == target.Kind && r.Target.Name == target.Name {
			return true
		}
	}
	return false
}

func TestExtractWidgetsAndBloc(t *testing.T) {
	res := extractSource(t, "lib/screens/mandate_screen.dart", mandateScreen)

	widgets := byKind(res, models.KindWidget)
	require.Len(t, widgets, 1, "commented-out classes are ignored")
	screen := widgets[0]
	assert.Equal(t, "MandateScreen", screen.Name)
	assert.Equal(t, 1.0, screen.Confidence)
	assert.Equal(t, "stateful", screen.Attr("widget_type"))
	assert.Equal(t, "2", screen.Attr(models.AttrFormFields))
	assert.Equal(t, "Validators.upiId,_validateAmount", screen.Attr(models.AttrValidators))

	bloc := find(t, res, models.KindStateComponent, "MandateBloc")
	assert.Equal(t, "CancelMandate,CreateMandate", bloc.Attr(models.AttrEvents))
	assert.Equal(t, "MandateCreated,MandateInitial", bloc.Attr(models.AttrStates))

	assert.True(t, hasRel(res, screen.ID, extract.ByName(models.KindStateComponent, "MandateBloc"), models.RelUses))
	assert.True(t, hasRel(res, screen.ID, extract.ByName(models.KindRoute, "/mandate/success"), models.RelNavigates))
	assert.True(t, hasRel(res, screen.ID, extract.ByName(models.KindValidator, "Validators"), models.RelUses))
}

func TestExtractClientCalls(t *testing.T) {
	res := extractSource(t, "lib/screens/mandate_screen.dart", mandateScreen)

	calls := byKind(res, models.KindClientCall)
	require.Len(t, calls, 3)

	create := find(t, res, models.KindClientCall, "POST /api/v1/upi/mandate/create")
	assert.Equal(t, 0.9, create.Confidence)
	assert.Equal(t, "MandateBloc", create.Attr("owner"))

	cancel := find(t, res, models.KindClientCall, "DELETE /api/v1/upi/mandate/$id/cancel")
	assert.Equal(t, "/api/v1/upi/mandate/$id/cancel", cancel.Attr(models.AttrPath))

	list := find(t, res, models.KindClientCall, "GET https://bank.example.com/api/v1/upi/mandates")
	assert.Equal(t, 0.8, list.Confidence)
	assert.Equal(t, "MandateScreen", list.Attr("owner"), "State class calls belong to the widget")

	bloc := find(t, res, models.KindStateComponent, "MandateBloc")
	screen := find(t, res, models.KindWidget, "MandateScreen")
	assert.True(t, hasRel(res, bloc.ID, extract.Ref(create), models.RelCalls))
	assert.True(t, hasRel(res, screen.ID, extract.Ref(list), models.RelCalls))
}

func TestExtractRouteTable(t *testing.T) {
	res := extractSource(t, "lib/app.dart", mandateScreen)

	routes := byKind(res, models.KindRoute)
	require.Len(t, routes, 2)
	mandate := find(t, res, models.KindRoute, "/mandate")
	assert.Equal(t, "MandateScreen", mandate.Attr(models.AttrWidget))
	assert.True(t, hasRel(res, mandate.ID, extract.ByName(models.KindWidget, "MandateScreen"), models.RelNavigates))
}

func TestGoRouter(t *testing.T) {
	src := `
final router = GoRouter(routes: [
  GoRoute(
    path: '/kyc',
    builder: (context, state) => const KycScreen(),
  ),
]);
`
	res := extractSource(t, "lib/router.dart", src)
	route := find(t, res, models.KindRoute, "/kyc")
	assert.Equal(t, "KycScreen", route.Attr(models.AttrWidget))
}

func TestStableAcrossRuns(t *testing.T) {
	a := extractSource(t, "lib/screens/mandate_screen.dart", mandateScreen)
	b := extractSource(t, "lib/screens/mandate_screen.dart", mandateScreen)
	assert.Equal(t, a.Entities, b.Entities)
	assert.Equal(t, a.Relationships, b.Relationships)
}

func TestMalformedFileIsParseError(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unbalanced", "class A extends StatelessWidget {\n  Widget build() {\n"},
		{"unterminated string", "final a = 'oops;\n"},
		{"unterminated comment", "/* never closed\nclass A {}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(nil).Extract(context.Background(), extract.SourceFile{Path: "lib/bad.dart", Content: []byte(tt.src)})
			require.Error(t, err)
			assert.True(t, errors.IsParse(err))
		})
	}
}

func TestConfidenceOverride(t *testing.T) {
	ex := New(extract.Confidence{"dart.dio_call": 0.55})
	res, err := ex.Extract(context.Background(), extract.SourceFile{
		Path:    "lib/api.dart",
		Content: []byte("class PaymentService {\n  void pay() { dio.post('/pay'); }\n}\n"),
	})
	require.NoError(t, err)
	call := find(t, res, models.KindClientCall, "POST /pay")
	assert.Equal(t, 0.55, call.Confidence)
	svc := find(t, res, models.KindService, "PaymentService")
	assert.True(t, hasRel(res, svc.ID, extract.Ref(call), models.RelCalls))
}

func TestGeneratedFilesSkipped(t *testing.T) {
	res := extractSource(t, "lib/models/user.g.dart", "class A extends StatelessWidget {}")
	assert.Empty(t, res.Entities)
}
